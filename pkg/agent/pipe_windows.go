//go:build windows

package agent

import (
    "net"

    "github.com/Microsoft/go-winio"
)

func listenPipe(name string) (net.Listener, error) {
    return winio.ListenPipe(name, nil)
}
