package boltchan

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// KnownHosts implements trust-on-first-use verification of server
// certificates against a file of "host:port algo fingerprint" lines (§6).
// Duplicate lines for the same host are tolerated; the first line that
// matches the presented fingerprint wins.
type KnownHosts struct {
	entries map[string][]hostEntry
}

type hostEntry struct {
	algo        string
	fingerprint string
}

// LoadKnownHosts reads a known-hosts file. A missing file yields an empty,
// always-failing store rather than an error, matching trust-on-first-use
// semantics for a driver's very first connection to a new server.
func LoadKnownHosts(path string) (*KnownHosts, error) {
	kh := &KnownHosts{entries: map[string][]hostEntry{}}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return kh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("boltchan: opening known_hosts %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		hostPort, algo, fingerprint := fields[0], fields[1], fields[2]
		kh.entries[hostPort] = append(kh.entries[hostPort], hostEntry{algo: algo, fingerprint: fingerprint})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("boltchan: reading known_hosts %s: %w", path, err)
	}
	return kh, nil
}

// Fingerprint computes the sha256 hex fingerprint of a DER-encoded
// certificate, the form written to and checked against a known-hosts file.
func Fingerprint(derCert []byte) string {
	sum := sha256.Sum256(derCert)
	return hex.EncodeToString(sum[:])
}

// Verify checks a presented certificate fingerprint for hostPort against
// the store. It returns a descriptive error on mismatch, naming the host
// and the presented fingerprint, per §6.
func (kh *KnownHosts) Verify(hostPort string, derCert []byte) error {
	fp := Fingerprint(derCert)
	candidates := kh.entries[hostPort]
	if len(candidates) == 0 {
		return fmt.Errorf("boltchan: %s is not present in known_hosts (first connection must be trusted out of band)", hostPort)
	}
	for _, c := range candidates {
		if c.fingerprint == fp {
			return nil
		}
	}
	return fmt.Errorf("boltchan: certificate for %s does not match any known_hosts entry (presented sha256:%s)", hostPort, fp)
}

// Append adds (or, on first use, creates) a trusted entry for hostPort and
// persists it to the file at path.
func (kh *KnownHosts) Append(path, hostPort string, derCert []byte) error {
	fp := Fingerprint(derCert)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("boltchan: opening known_hosts %s for append: %w", path, err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, fmt.Sprintf("%s sha256 %s\n", hostPort, fp)); err != nil {
		return err
	}
	kh.entries[hostPort] = append(kh.entries[hostPort], hostEntry{algo: "sha256", fingerprint: fp})
	return nil
}
