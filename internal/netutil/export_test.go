package netutil

import "os"

func ownPID() int { return os.Getpid() }
