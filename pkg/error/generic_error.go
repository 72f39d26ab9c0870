package error

// GenericError is implemented by typed errors that carry their own HTTP
// status and machine-readable code.
type GenericError interface {
	error
	ErrCode() string
	StatusCode() int
}
