package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pushauth/internal/models"
	"pushauth/internal/sdk"
)

func newChallengeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "challenge",
		Short: "Read and answer login challenges",
	}
	cmd.AddCommand(
		newChallengeGetCmd(),
		newChallengeListCmd(),
		newChallengeAnswerCmd("approve", models.ChallengeApproved),
		newChallengeAnswerCmd("deny", models.ChallengeDenied),
	)
	return cmd
}

func newChallengeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <factor-sid> <challenge-sid>",
		Short: "Show a challenge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSDK(func(s *sdk.SDK) error {
				c, err := s.GetChallenge(cmd.Context(), args[1], args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}
}

func newChallengeListCmd() *cobra.Command {
	var (
		p      models.ChallengeListPayload
		status string
	)
	cmd := &cobra.Command{
		Use:   "list <factor-sid>",
		Short: "List challenges of a factor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.FactorSID = args[0]
			p.Status = models.ChallengeStatus(status)
			if p.Order != "" && p.Order != "asc" && p.Order != "desc" {
				return fmt.Errorf("order must be asc or desc")
			}
			return withSDK(func(s *sdk.SDK) error {
				list, err := s.GetAllChallenges(cmd.Context(), p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&p.PageSize, "page-size", 20, "challenges per page")
	flags.StringVar(&status, "status", "", "only list challenges with this status")
	flags.StringVar(&p.PageToken, "page-token", "", "token of the page to fetch")
	flags.StringVar(&p.Order, "order", "", "asc or desc by creation date")
	return cmd
}

func newChallengeAnswerCmd(use string, status models.ChallengeStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <factor-sid> <challenge-sid>",
		Short: fmt.Sprintf("Mark a pending challenge %s", status),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSDK(func(s *sdk.SDK) error {
				if err := s.UpdateChallenge(cmd.Context(), args[1], args[0], status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "challenge %s %s\n", args[1], status)
				return nil
			})
		},
	}
}
