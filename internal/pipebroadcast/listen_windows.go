//go:build windows

package pipebroadcast

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// Listen opens the named pipe for the given volume letter in message
// mode, per spec.md §6 (\\.\pipe\usn-watcher-<LETTER>).
func Listen(volumeLetter string) (net.Listener, error) {
	name := fmt.Sprintf(`\\.\pipe\usn-watcher-%s`, volumeLetter)
	return winio.ListenPipe(name, &winio.PipeConfig{
		MessageMode:      true,
		InputBufferSize:  4096,
		OutputBufferSize: 4096,
	})
}
