package node

// ComponentType is the role a ds13 process runs as.
type ComponentType int

const (
	RoleNone ComponentType = iota
	RoleProxy
	RoleFileServer
	RoleClient
)

func (c ComponentType) String() string {
	switch c {
	case RoleProxy:
		return "proxy"
	case RoleFileServer:
		return "fileserver"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// ParseRole maps a command line role name to a ComponentType.
func ParseRole(name string) (ComponentType, bool) {
	switch name {
	case "proxy":
		return RoleProxy, true
	case "fileserver":
		return RoleFileServer, true
	case "client":
		return RoleClient, true
	default:
		return RoleNone, false
	}
}
