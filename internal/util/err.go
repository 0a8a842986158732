package util

type PowerSchedCmdError = int

// general
const (
	ErrorSuccess       PowerSchedCmdError = 0
	ErrorExecuteFailed PowerSchedCmdError = 1
	ErrorCmdArg        PowerSchedCmdError = 2
	ErrorNetwork       PowerSchedCmdError = 3
	ErrorBackEnd       PowerSchedCmdError = 4
)

// powerschedd
const (
	ErrorDaemonConfig PowerSchedCmdError = 100
	ErrorManifest     PowerSchedCmdError = 101
	ErrorStateLoad    PowerSchedCmdError = 102
)
