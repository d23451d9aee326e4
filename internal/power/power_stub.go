//go:build !linux

package power

type Logind struct{}

func NewLogind() *Logind { return &Logind{} }

func (l *Logind) Inhibit(string) (func() error, error) { return nil, ErrUnsupported }

func (l *Logind) Close() {}
