package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesLineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iwftpd.log")

	log, f, err := Open(path, false)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, logrus.InfoLevel, log.GetLevel())
	log.Info("starting server")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}  starting server\n$`, string(got))
}

func TestOpenVerboseSetsDebugLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iwftpd.log")

	log, f, err := Open(path, true)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestOpenAppendsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iwftpd.log")

	log1, f1, err := Open(path, false)
	require.NoError(t, err)
	log1.Info("first")
	f1.Close()

	log2, f2, err := Open(path, false)
	require.NoError(t, err)
	defer f2.Close()
	log2.Info("second")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(got), "first")
	require.Contains(t, string(got), "second")
}
