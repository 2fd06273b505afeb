package ipc

import (
	"os"
)

// spillDir holds temp files created for oversized recv/peek payloads. It
// is os.TempDir(); nothing in this module changes it. After a successful
// recv the client owns the spilled file and must remove it (§4.8).
var spillDir = os.TempDir()

// spillWrite persists data to a new temp file and returns its path. The
// caller (recv/peek's response) hands ownership of the file to the IPC
// client: once it has read the file, the client is responsible for
// deleting it.
func spillWrite(data []byte) (string, error) {
	f, err := os.CreateTemp(spillDir, "bpcore-ipc-*.bin")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// spillRead reads back a spilled payload a send request referenced by
// path, then removes it: ownership of a send's spilled file transfers to
// this core the moment the request is read, mirroring recv's handoff in
// the other direction.
func spillRead(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	os.Remove(path)
	return data, nil
}
