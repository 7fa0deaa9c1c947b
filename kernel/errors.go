package kernel

// Code is the result of a kernel service call. Every value except OK
// implements error, so a Code may be returned and matched with errors.Is.
type Code int8

const (
	OK         Code = 0
	ErrNoSpt   Code = -9
	ErrPar     Code = -17
	ErrID      Code = -18
	ErrCtx     Code = -25
	ErrIlUse   Code = -28
	ErrNoMem   Code = -33
	ErrNoID    Code = -34
	ErrObj     Code = -41
	ErrNoExs   Code = -42
	ErrRlWai   Code = -49
	ErrTmout   Code = -50
	ErrNoRoute Code = -100
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case ErrNoSpt:
		return "not supported"
	case ErrPar:
		return "parameter error"
	case ErrID:
		return "invalid id"
	case ErrCtx:
		return "context error"
	case ErrIlUse:
		return "illegal use"
	case ErrNoMem:
		return "no memory"
	case ErrNoID:
		return "no id available"
	case ErrObj:
		return "object state error"
	case ErrNoExs:
		return "object not registered"
	case ErrRlWai:
		return "wait released"
	case ErrTmout:
		return "timed out"
	case ErrNoRoute:
		return "no route"
	default:
		return "unknown"
	}
}

func (c Code) Error() string { return "kernel: " + c.String() }

// Err converts c to an error, mapping OK to nil.
func (c Code) Err() error {
	if c == OK {
		return nil
	}
	return c
}

// codeOf extracts a Code from err. Foreign errors map to ErrPar.
func codeOf(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	return ErrPar
}
