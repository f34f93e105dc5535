package activation

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setActivation(t *testing.T, pid, fds string) {
	t.Helper()
	t.Setenv("LISTEN_PID", pid)
	t.Setenv("LISTEN_FDS", fds)
}

func TestListeners_NoEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := Listeners()
	require.NoError(t, err)
	assert.Nil(t, listeners)
}

func TestListeners_WrongPID(t *testing.T) {
	setActivation(t, strconv.Itoa(os.Getpid()+1), "1")

	listeners, err := Listeners()
	require.NoError(t, err)
	assert.Nil(t, listeners, "activation meant for another process is ignored")
}

func TestListeners_InvalidEnvironment(t *testing.T) {
	setActivation(t, "not-a-number", "1")
	_, err := Listeners()
	assert.ErrorContains(t, err, "invalid LISTEN_PID")

	setActivation(t, strconv.Itoa(os.Getpid()), "many")
	_, err = Listeners()
	assert.ErrorContains(t, err, "invalid LISTEN_FDS")
}

func TestListeners_ZeroFDs(t *testing.T) {
	setActivation(t, strconv.Itoa(os.Getpid()), "0")

	listeners, err := Listeners()
	require.NoError(t, err)
	assert.Nil(t, listeners)
}

func TestListen_FallsBackToAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	l, activated, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = l.Close()
	}()

	assert.False(t, activated)
	assert.Contains(t, l.Addr().String(), "127.0.0.1:")
}

func TestListen_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	_, _, err := Listen("256.0.0.1:http")
	assert.ErrorContains(t, err, "failed to listen")
}

func TestListen_PropagatesActivationError(t *testing.T) {
	setActivation(t, "bogus", "1")

	_, _, err := Listen("127.0.0.1:0")
	assert.Error(t, err)
}
