package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Games    GamesConfig    `mapstructure:"games"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPAddress      string   `mapstructure:"http_address"`
	RPCAddress       string   `mapstructure:"rpc_address"`
	GRPCAddress      string   `mapstructure:"grpc_address"`
	MetricsNamespace string   `mapstructure:"metrics_namespace"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	Mode             string   `mapstructure:"mode"`

	// Heartbeat is the read deadline refreshed by every inbound packet.
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is one of "gorm", "postgres" or "memory".
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// EngineConfig holds the session engine knobs shared by every game type.
type EngineConfig struct {
	MaxPlayers     int           `mapstructure:"max_players"`
	IdleGrace      time.Duration `mapstructure:"idle_grace"`
	ReconnectGrace time.Duration `mapstructure:"reconnect_grace"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	NextRoundDelay time.Duration `mapstructure:"next_round_delay"`
	AutoAdvance    bool          `mapstructure:"auto_advance"`
	ActionRate     float64       `mapstructure:"action_rate"`
	ActionBurst    int           `mapstructure:"action_burst"`
	SendQueue      int           `mapstructure:"send_queue"`
}

type GamesConfig struct {
	Spectrum SpectrumConfig `mapstructure:"spectrum"`
	Wheel    WheelConfig    `mapstructure:"wheel"`
	Trivia   TriviaConfig   `mapstructure:"trivia"`
}

type SpectrumConfig struct {
	ClueTimeout  time.Duration `mapstructure:"clue_timeout"`
	GuessTimeout time.Duration `mapstructure:"guess_timeout"`
	TargetScore  int           `mapstructure:"target_score"`
}

type WheelConfig struct {
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
	VowelCost   int           `mapstructure:"vowel_cost"`
	BoardValue  int           `mapstructure:"board_value"`
	TargetScore int           `mapstructure:"target_score"`
}

type TriviaConfig struct {
	QuestionTimeout time.Duration `mapstructure:"question_timeout"`
	TargetScore     int           `mapstructure:"target_score"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", ":8081")
	v.SetDefault("server.grpc_address", ":8082")
	v.SetDefault("server.metrics_namespace", "partyserver")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.heartbeat", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("engine.max_players", 12)
	v.SetDefault("engine.idle_grace", "5m")
	v.SetDefault("engine.reconnect_grace", "2m")
	v.SetDefault("engine.sweep_interval", "30s")
	v.SetDefault("engine.tick_interval", "250ms")
	v.SetDefault("engine.next_round_delay", "8s")
	v.SetDefault("engine.auto_advance", true)
	v.SetDefault("engine.action_rate", 10)
	v.SetDefault("engine.action_burst", 20)
	v.SetDefault("engine.send_queue", 64)

	v.SetDefault("games.spectrum.clue_timeout", "60s")
	v.SetDefault("games.spectrum.guess_timeout", "45s")
	v.SetDefault("games.wheel.turn_timeout", "30s")
	v.SetDefault("games.wheel.vowel_cost", 250)
	v.SetDefault("games.wheel.board_value", 500)
	v.SetDefault("games.trivia.question_timeout", "30s")

	v.SetDefault("log.level", "info")
}

// LoadConfig reads config.yaml from path. A missing file is not an error;
// defaults and PARTY_* environment variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("party")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
