package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/transport"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const knownHostsFile = "known_hosts"

var knownHostsMu sync.Mutex

// hostKeyCallback checks keys against the known_hosts file at path. Unknown
// keys are put to the user and appended when accepted; changed keys are
// refused outright.
func hostKeyCallback(ctx context.Context, path string, hooks transport.Hooks) (ssh.HostKeyCallback, error) {
	knownHostsMu.Lock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err == nil {
		f.Close()
	}
	knownHostsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open known hosts: %w", err)
	}

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) {
			return err
		}

		fingerprint := ssh.FingerprintSHA256(key)
		if len(keyErr.Want) > 0 {
			log.Printf("[ssh] Host key mismatch for %s (%s)", logutil.SanitizeForLog(hostname), fingerprint)
			hooks.OutputLine("WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED!")
			hooks.OutputLine(fmt.Sprintf("Host key for %s is now %s %s.", hostname, key.Type(), fingerprint))
			return fmt.Errorf("host key for %s changed: %w", hostname, err)
		}

		hooks.OutputLine(fmt.Sprintf("The authenticity of host '%s' can't be established.", hostname))
		hooks.OutputLine(fmt.Sprintf("%s key fingerprint is %s.", key.Type(), fingerprint))
		accept, ok := hooks.RequestBoolean(ctx, "", "Are you sure you want to continue connecting?")
		if !ok || !accept {
			return fmt.Errorf("host key for %s not accepted", hostname)
		}
		return appendKnownHost(path, hostname, remote, key)
	}, nil
}

func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if ra := knownhosts.Normalize(remote.String()); ra != addrs[0] {
			addrs = append(addrs, ra)
		}
	}

	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line(addrs, key) + "\n"); err != nil {
		return fmt.Errorf("write known hosts: %w", err)
	}
	log.Printf("[ssh] Added %s to known hosts", logutil.SanitizeForLog(addrs[0]))
	return nil
}
