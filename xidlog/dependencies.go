package xidlog

// dependencies lets tests inject faults at named points of the log.
type dependencies interface {
	disrupt(string) bool
}

type prodDependencies struct{}

func (prodDependencies) disrupt(string) bool { return false }
