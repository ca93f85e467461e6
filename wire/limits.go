package wire

// DefaultMaxLine is the default maximum size of a single encoded line (16 MB)
const DefaultMaxLine int = 16_777_216

// minLineBuffer is the initial read buffer for line scanning (64 KB)
const minLineBuffer int = 65_536

// Limits bounds what a LineReader accepts from a backend
type Limits struct {
	MaxLine int `toml:"max_line"`
}

// DefaultLimits returns the default line limits
func DefaultLimits() Limits {
	return Limits{MaxLine: DefaultMaxLine}
}

// normalized replaces unset fields with defaults
func (l Limits) normalized() Limits {
	if l.MaxLine <= 0 {
		l.MaxLine = DefaultMaxLine
	}
	return l
}
