package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pushauth/internal/models"
	"pushauth/internal/sdk"
)

func newFactorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factor",
		Short: "Manage push factors enrolled on this device",
	}
	cmd.AddCommand(
		newFactorCreateCmd(),
		newFactorVerifyCmd(),
		newFactorUpdateCmd(),
		newFactorDeleteCmd(),
		newFactorListCmd(),
		newFactorClearCmd(),
	)
	return cmd
}

func newFactorCreateCmd() *cobra.Command {
	var (
		p        models.CreateFactorPayload
		platform string
		metadata []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enroll this device as a new push factor",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.NotificationPlatform = models.NotificationPlatform(platform)
			if len(metadata) > 0 {
				p.Metadata = make(map[string]string, len(metadata))
				for _, kv := range metadata {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("metadata %q is not key=value", kv)
					}
					p.Metadata[k] = v
				}
			}
			return withSDK(func(s *sdk.SDK) error {
				f, err := s.CreateFactor(cmd.Context(), p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&p.FriendlyName, "name", "", "friendly name shown to the user")
	flags.StringVar(&p.ServiceSID, "service", "", "verification service sid")
	flags.StringVar(&p.Identity, "identity", "", "entity identity")
	flags.StringVar(&p.AccessToken, "access-token", "", "enrollment token issued by your backend")
	flags.StringVar(&p.PushToken, "push-token", "", "push notification token")
	flags.StringVar(&platform, "platform", string(models.PlatformNone), "notification platform (apn, fcm, none)")
	flags.StringSliceVar(&metadata, "metadata", nil, "key=value metadata, repeatable")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("identity")
	_ = cmd.MarkFlagRequired("access-token")
	return cmd
}

func newFactorVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <factor-sid>",
		Short: "Prove possession of the factor key to the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSDK(func(s *sdk.SDK) error {
				f, err := s.VerifyFactor(cmd.Context(), models.VerifyFactorPayload{SID: args[0]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
}

func newFactorUpdateCmd() *cobra.Command {
	var (
		p        models.UpdateFactorPayload
		platform string
	)
	cmd := &cobra.Command{
		Use:   "update <factor-sid>",
		Short: "Change the push configuration of a factor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.SID = args[0]
			p.NotificationPlatform = models.NotificationPlatform(platform)
			return withSDK(func(s *sdk.SDK) error {
				f, err := s.UpdateFactor(cmd.Context(), p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
	cmd.Flags().StringVar(&p.PushToken, "push-token", "", "new push notification token")
	cmd.Flags().StringVar(&platform, "platform", "", "notification platform (apn, fcm, none); empty keeps the current one")
	return cmd
}

func newFactorDeleteCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "delete <factor-sid>",
		Short: "Delete a factor from the service and this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSDK(func(s *sdk.SDK) error {
				if service != "" {
					if err := s.ValidateDelete(args[0], service); err != nil {
						return err
					}
				}
				return s.DeleteFactor(cmd.Context(), args[0])
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "refuse to delete unless the factor belongs to this service")
	return cmd
}

func newFactorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List factors stored on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSDK(func(s *sdk.SDK) error {
				factors, err := s.GetAllFactors()
				if err != nil {
					return err
				}
				if factors == nil {
					factors = []*models.Factor{}
				}
				return printJSON(cmd.OutOrStdout(), factors)
			})
		},
	}
}

func newFactorClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every factor and key on this device without contacting the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear local storage without --yes")
			}
			return withSDK(func(s *sdk.SDK) error {
				return s.ClearLocalStorage(cmd.Context())
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing local storage")
	return cmd
}
