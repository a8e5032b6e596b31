package agent

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"github.com/gluk-w/protonet/internal/tunnel"
)

// TerminalHandler runs shell under a PTY for each terminal stream. The
// stream opens with a JSON InitHeader line; after that the client sends
// frames and the PTY output is written back raw.
func TerminalHandler(shell string) ChannelHandler {
	return func(conn net.Conn) {
		defer conn.Close()

		var init tunnel.InitHeader
		if err := tunnel.ReadJSONHeader(conn, &init); err != nil {
			log.Printf("terminal: %v", err)
			return
		}
		if init.Cols == 0 {
			init.Cols = 80
		}
		if init.Rows == 0 {
			init.Rows = 24
		}

		cmd := exec.Command(shell)
		cmd.Env = append(os.Environ(), "TERM=xterm-256color")
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: init.Cols, Rows: init.Rows})
		if err != nil {
			log.Printf("terminal: failed to start pty: %v", err)
			return
		}

		// PTY output ends when the shell exits; closing conn then ends the
		// frame loop below.
		go func() {
			io.Copy(conn, ptmx)
			conn.Close()
		}()

		fr := tunnel.NewFrameReader(conn)
		for {
			typ, payload, err := fr.Next()
			if err != nil {
				break
			}
			switch typ {
			case tunnel.FrameData:
				if _, err := ptmx.Write(payload); err != nil {
					log.Printf("terminal: pty write: %v", err)
				}
			case tunnel.FrameControl:
				var msg tunnel.ControlMessage
				if err := json.Unmarshal(payload, &msg); err != nil {
					log.Printf("terminal: bad control frame: %v", err)
					continue
				}
				if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
					if err := pty.Setsize(ptmx, &pty.Winsize{Cols: msg.Cols, Rows: msg.Rows}); err != nil {
						log.Printf("terminal: resize: %v", err)
					}
				}
			}
		}

		cmd.Process.Signal(syscall.SIGHUP)
		ptmx.Close()
		cmd.Wait()
	}
}
