package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/plancache/internal/utils"
	"github.com/sw33tLie/plancache/pkg/storage"
)

// sessionCmd manages the plan API session cookie kept in the system keyring.
// The 'api.session' config key takes precedence over it.
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Store or forget the plan API session cookie of a school",
}

var sessionSetCmd = &cobra.Command{
	Use:   "set <cookie>",
	Short: "Save the session cookie in the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		school, err := configuredSchool()
		if err != nil {
			return err
		}
		if err := utils.SaveSession(school, args[0]); err != nil {
			return err
		}
		utils.Log.Infof("Session saved for school %s", school)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the session cookie from the system keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		school, err := configuredSchool()
		if err != nil {
			return err
		}
		return utils.DeleteSession(school)
	},
}

func configuredSchool() (string, error) {
	school := storage.NormalizeSchoolID(viper.GetString("school"))
	if school == "" {
		return "", errors.New("no school set. Use --school or the 'school' config key")
	}
	return school, nil
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionSetCmd)
	sessionCmd.AddCommand(sessionClearCmd)
}
