package client

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ApiConnectionDetails holds everything needed to reach the service API.
type ApiConnectionDetails struct {
	ServiceUrl           string
	ApiKey               string
	RetryTooManyRequests bool
	PreferAmbientGroup   bool
}

func AddServiceApiConnectionCommandlineArgs(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("serviceUrl", "http://localhost:8080", "service api url")
	_ = viper.BindPFlag("serviceUrl", rootCmd.PersistentFlags().Lookup("serviceUrl"))
	rootCmd.PersistentFlags().String("apiKey", "", "service api key; prefer setting FERMION_API_KEY over passing the flag")
	_ = viper.BindPFlag("apiKey", rootCmd.PersistentFlags().Lookup("apiKey"))
}

// LoadCommandlineArgsFromConfigFile layers connection settings, lowest
// precedence first: defaults shipped next to the executable, then
// ~/.fermionctl.yaml (or the file named with --config), then FERMION_*
// environment variables, then flags.
func LoadCommandlineArgsFromConfigFile(cfgFile string) error {
	if exePath, err := os.Executable(); err == nil {
		viper.SetConfigFile(filepath.Join(filepath.Dir(exePath), "fermionctl-defaults.yaml"))
		if err := viper.ReadInConfig(); err != nil && !missingConfig(err) {
			return errors.Wrapf(err, "error reading config file %s", viper.ConfigFileUsed())
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return errors.Wrap(err, "error finding home directory")
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".fermionctl")
	}

	viper.SetEnvPrefix("fermion")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// FERMION_API_KEY is the spelling the service console hands out
	_ = viper.BindEnv("apiKey", "FERMION_API_KEY")

	// a missing home file is fine, but a file named with --config must exist
	if err := viper.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrapf(err, "error reading config file %s", viper.ConfigFileUsed())
		}
	}
	return nil
}

// missingConfig reports whether err only means the config file does not
// exist. The defaults and home files are optional, so that is not an error.
func missingConfig(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(errors.Cause(err))
}

func ExtractCommandlineServiceApiConnectionDetails() *ApiConnectionDetails {
	details := &ApiConnectionDetails{}
	if err := viper.Unmarshal(details); err != nil {
		log.Errorf("error parsing connection settings: %v", err)
	}
	return details
}
