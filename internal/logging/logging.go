// Package logging configures the server's single append-only log file:
// plain timestamped lines, no structured key=value suffix, matching the
// source's logging.c format.
package logging

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultPath is the log file spec §6 names.
const DefaultPath = "/var/log/iwftpd.log"

// LineFormatter renders "YYYY-MM-DD HH:MM:SS  <message>\n", dropping
// logrus's default structured fields so the file stays a plain line log.
type LineFormatter struct{}

func (LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	line := fmt.Sprintf("%s  %s\n", entry.Time.Format("2006-01-02 15:04:05"), entry.Message)
	return []byte(line), nil
}

// Open opens (or creates) the log file at path for append, mode 0600, and
// returns a *logrus.Logger writing the plain line format. verbose selects
// Debug vs Info as the minimum level.
func Open(path string, verbose bool) (*logrus.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "logging: open %q", path)
	}
	log := logrus.New()
	log.SetOutput(f)
	log.SetFormatter(LineFormatter{})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log, f, nil
}
