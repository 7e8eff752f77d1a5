package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "maintenancectl",
	Short: "Operate the wisefido maintenance engine",
	Long: `maintenancectl talks to a running wisefido-maintenance server.

It triggers on-demand evaluation, records meter readings and prints the
maintenance overview for one tenant.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.maintenancectl.yaml)")
	flags.String("server", "http://localhost:8090", "maintenance server base URL")
	flags.String("tenant", "", "tenant id")
	flags.Duration("timeout", 30*time.Second, "request timeout")
	flags.StringP("output", "o", "table", "output format: table or json")

	_ = viper.BindPFlag("server", flags.Lookup("server"))
	_ = viper.BindPFlag("tenant", flags.Lookup("tenant"))
	_ = viper.BindPFlag("timeout", flags.Lookup("timeout"))
	_ = viper.BindPFlag("output", flags.Lookup("output"))

	rootCmd.AddCommand(generateCmd, recordCmd, overviewCmd, rulesCmd, metersCmd, predictionsCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".maintenancectl")
	}

	viper.SetEnvPrefix("MAINTCTL")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// newClient 从 flag / 环境变量 / 配置文件构建客户端
func newClient() (*Client, error) {
	tenant := viper.GetString("tenant")
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required (--tenant or MAINTCTL_TENANT)")
	}
	return NewClient(viper.GetString("server"), tenant, viper.GetDuration("timeout")), nil
}

func jsonOutput() bool {
	return viper.GetString("output") == "json"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
