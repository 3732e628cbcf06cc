package settings

import "fmt"

const CmdName = "cutrace"

var (
	PidFile  = fmt.Sprintf("/tmp/%s.pid", CmdName)
	LogFile  = fmt.Sprintf("/tmp/%s.log", CmdName)
	SockFile = fmt.Sprintf("/tmp/%s.sock", CmdName)
)
