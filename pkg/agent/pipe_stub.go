//go:build !windows

package agent

import (
    "fmt"
    "net"
)

func listenPipe(string) (net.Listener, error) {
    return nil, fmt.Errorf("named pipe attach is not supported on this platform")
}
