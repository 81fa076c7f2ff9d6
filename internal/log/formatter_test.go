package log

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatterPattern(t *testing.T) {
	f := &formatter{
		pattern: "[%time][%level][%field] - %msg%n",
		time:    "2006-01-02 15:04:05",
	}
	entry := &logrus.Entry{
		Time:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "session established",
		Data:    logrus.Fields{"host": "r1", "component": "tcp"},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2026-03-01 12:00:00][info][component=tcp host=r1] - session established\n", string(out))
}

func TestFormatterEmptyFields(t *testing.T) {
	f := &formatter{pattern: "%level %field%msg%n", time: time.RFC3339}
	entry := &logrus.Entry{Level: logrus.WarnLevel, Message: "drop"}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "warning drop\n", string(out))
}

func TestFormatterCallerWithoutReportCaller(t *testing.T) {
	f := &formatter{pattern: "%caller %msg%n", time: time.RFC3339}
	entry := &logrus.Entry{Level: logrus.InfoLevel, Message: "x"}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "- x\n", string(out))
}
