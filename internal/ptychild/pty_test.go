package ptychild

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnAndReadOutput(t *testing.T) {
	c, err := Spawn(Spec{Binary: "sh", Argv: []string{"-c", "printf hello"}})
	require.NoError(t, err)
	defer c.Close()

	var buf bytes.Buffer
	readBuf := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := c.Read(readBuf)
		if n > 0 {
			buf.Write(readBuf[:n])
		}
		if err != nil {
			break
		}
		if bytes.Contains(buf.Bytes(), []byte("hello")) {
			break
		}
	}

	require.Contains(t, buf.String(), "hello")

	code, err := c.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestSpawnBinaryNotFound(t *testing.T) {
	_, err := Spawn(Spec{Binary: "this-binary-does-not-exist-xyz"})
	require.Error(t, err)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Equal(t, BinaryNotFound, spawnErr.Kind)
}

func TestSpawnWorkingDirInvalid(t *testing.T) {
	_, err := Spawn(Spec{Binary: "sh", WorkingDir: "/no/such/directory/xyz"})
	require.Error(t, err)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Equal(t, WorkingDirInvalid, spawnErr.Kind)
}

func TestResizeIdenticalDimensionsIsNoop(t *testing.T) {
	c, err := Spawn(Spec{Binary: "sleep", Argv: []string{"1"}, Cols: 80, Rows: 24})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Resize(80, 24))
	require.NoError(t, c.Resize(100, 40))
}

func TestSignalTermStopsChild(t *testing.T) {
	c, err := Spawn(Spec{Binary: "sleep", Argv: []string{"30"}})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Signal(Term))

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("child did not exit after SIGTERM")
	}
}
