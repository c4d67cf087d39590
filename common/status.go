package common

//go:generate go run github.com/dmarkham/enumer -json -type Classification
//go:generate go run github.com/dmarkham/enumer -json -type ReadStatus

// Classification is the decision taken on a filesystem entry during a scan
type Classification int

const (
	Reject Classification = iota
	Accept
	Delay // Container that must be probed one level down
)

// ReadStatus is the outcome of a tile read
type ReadStatus int

const (
	Success ReadStatus = iota
	DecodeError
	InvalidArgument
	Interrupted
)
