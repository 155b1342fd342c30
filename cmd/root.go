package cmd

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/wa-interviewer/internal/cadence"
	"github.com/spigell/wa-interviewer/internal/interview"
)

const (
	app = "wa-interviewer"
)

type Config struct {
	Listen        string        `mapstructure:"listen"`
	Database      string        `mapstructure:"database"`
	Fixture       string        `mapstructure:"fixture"`
	AudioDir      string        `mapstructure:"audio-dir"`
	CountryCode   string        `mapstructure:"country-code"`
	Blocklist     []string      `mapstructure:"blocklist"`
	SlotRefresh   time.Duration `mapstructure:"slot-refresh"`
	HandleTimeout time.Duration `mapstructure:"handle-timeout"`

	Evolution *EvolutionConfig `mapstructure:"evolution"`
	Tenants   []TenantConfig   `mapstructure:"tenants"`
	Cadence   *CadenceConfig   `mapstructure:"cadence"`
	Interview *InterviewConfig `mapstructure:"interview"`
	AI        *AIConfig        `mapstructure:"ai"`
}

type EvolutionConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api-key"`
	APIKeyFile string        `mapstructure:"api-key-file"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type TenantConfig struct {
	ID    string       `mapstructure:"id"`
	Slots []SlotConfig `mapstructure:"slots"`
	// CountryCode overrides the global country code for inbound phones.
	CountryCode string `mapstructure:"country-code"`
	// Voice overrides the question voice for this tenant.
	Voice   string          `mapstructure:"voice"`
	Cadence *cadence.Config `mapstructure:"cadence"`
}

type SlotConfig struct {
	Instance string `mapstructure:"instance"`
	Index    int    `mapstructure:"index"`
}

type CadenceConfig struct {
	Invitation string          `mapstructure:"invitation"`
	SlotPoll   time.Duration   `mapstructure:"slot-poll"`
	Reinvite   time.Duration   `mapstructure:"reinvite-after"`
	Default    *cadence.Config `mapstructure:"default"`
	Immediate  *cadence.Config `mapstructure:"immediate"`
}

type InterviewConfig struct {
	OptIn       string              `mapstructure:"opt-in"`
	Decline     string              `mapstructure:"decline"`
	StopWords   []string            `mapstructure:"stop-words"`
	StaleAfter  time.Duration       `mapstructure:"stale-after"`
	DedupWindow time.Duration       `mapstructure:"dedup-window"`
	Templates   interview.Templates `mapstructure:"templates"`
}

type AIConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Gemini  *GeminiConfig `mapstructure:"gemini"`
	OpenAI  *OpenAIConfig `mapstructure:"openai"`
}

type GeminiConfig struct {
	APIKey       string `mapstructure:"api-key"`
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxRetries   int    `mapstructure:"max-retries"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type OpenAIConfig struct {
	APIKey     string `mapstructure:"api-key"`
	APIKeyFile string `mapstructure:"api-key-file"`
	BaseURL    string `mapstructure:"base-url"`
	Language   string `mapstructure:"language"`
	Voice      string `mapstructure:"voice"`
	// Speech enables voiced questions.
	Speech     bool `mapstructure:"speech"`
	MaxRetries int  `mapstructure:"max-retries"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "wa-interviewer runs voice interviews with candidates over WhatsApp",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	viper.SetEnvPrefix("WAI")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":8080")
	viper.SetDefault("database", app+".db")
	viper.SetDefault("country-code", "55")
	viper.SetDefault("slot-refresh", time.Minute)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is wa-interviewer.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// version works without any config
	if versionCmd.CalledAs() != "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return
		}
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}
	if config == nil {
		config = &Config{}
	}

	return config, nil
}
