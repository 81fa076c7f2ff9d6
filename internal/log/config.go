package log

type LoggerConfig struct {
	Level     string           `yaml:"level" mapstructure:"level"`
	Pattern   string           `yaml:"pattern" mapstructure:"pattern"`
	Time      string           `yaml:"time" mapstructure:"time"`
	Appenders []AppenderConfig `yaml:"appenders" mapstructure:"appenders"`
}

type AppenderConfig struct {
	Type string              `yaml:"type" mapstructure:"type"` // console | file
	File FileAppenderOptions `yaml:"file,omitempty" mapstructure:"file"`
}

type FileAppenderOptions struct {
	Filename   string `yaml:"filename" mapstructure:"filename"`
	MaxSizeMB  int    `yaml:"maxsize,omitempty" mapstructure:"maxsize"`
	MaxAgeDays int    `yaml:"maxage,omitempty" mapstructure:"maxage"`
	MaxBackups int    `yaml:"maxbackups,omitempty" mapstructure:"maxbackups"`
	Compress   bool   `yaml:"compress,omitempty" mapstructure:"compress"`
}

// DefaultConfig logs info-level to the console only.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:   "info",
		Pattern: "%time [%level] %caller: %msg%n",
		Time:    "2006-01-02 15:04:05",
		Appenders: []AppenderConfig{
			{Type: "console"},
		},
	}
}
