package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/campaign"
	"github.com/JakeFAU/signup-sentinel/internal/id/uuid"
)

const maxDiscoverURLs = 20

type discoverOptions struct {
	sessionID  string
	campaignID string
	urls       []string
	screenshot bool
}

// newDiscoverCmd runs a single campaign in-process and prints its outcome.
func newDiscoverCmd() *cobra.Command {
	opts := &discoverOptions{}
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Runs one discovery campaign and prints the outcome as JSON",
		Long: `Runs one campaign against the given candidate URLs without the HTTP
API or the queue. Every fetch and extraction is audited exactly as it would be
for a queued campaign.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiscoverCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session the requirements belong to")
	cmd.Flags().StringVar(&opts.campaignID, "campaign", "", "campaign id (generated when empty)")
	cmd.Flags().StringSliceVar(&opts.urls, "url", nil, "candidate signup URL, repeatable")
	cmd.Flags().BoolVar(&opts.screenshot, "screenshot", false, "fetch pages with the headless browser")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runDiscoverCommand(cmd *cobra.Command, opts *discoverOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := validateURLs(opts.urls); err != nil {
		return err
	}
	campaignID := opts.campaignID
	if campaignID == "" {
		if campaignID, err = uuid.New().NewID(); err != nil {
			return fmt.Errorf("generate campaign id: %w", err)
		}
	}

	out := appInstance.RunCampaign(cmd.Context(), campaign.Request{
		CampaignID:    campaignID,
		SessionID:     opts.sessionID,
		URLs:          opts.urls,
		Schema:        resolveConfig(cmd.Context()).Extraction.Schema,
		UseScreenshot: opts.screenshot,
	})
	appInstance.Logger().Info("campaign finished",
		zap.String("campaign_id", out.CampaignID),
		zap.String("state", string(out.State)),
		zap.Float64("confidence", out.Confidence()),
	)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if out.Err != nil {
		return fmt.Errorf("campaign %s left %s: %w", out.CampaignID, out.State, out.Err)
	}
	return nil
}

func validateURLs(urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("at least one --url is required")
	}
	if len(urls) > maxDiscoverURLs {
		return fmt.Errorf("at most %d urls per campaign, got %d", maxDiscoverURLs, len(urls))
	}
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("invalid url %q: must be absolute http(s)", raw)
		}
	}
	return nil
}
