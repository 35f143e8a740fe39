package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sendflock/sendflock/internal/campaign"
)

var (
	serverURL string
	apiKey    string
	userID    string

	campaignName       string
	campaignSubject    string
	campaignHTML       string
	campaignHTMLFile   string
	campaignFromName   string
	campaignFromEmail  string
	campaignReplyTo    string
	campaignRecipients string
	campaignBatchSize  int
	campaignRateLimit  int
	campaignPriority   int
	campaignActiveOnly bool
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create and enqueue a campaign",
	RunE:  runCampaignCreate,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign_id>",
	Short: "Show campaign progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStatus,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a processing campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("pause"),
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("resume"),
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign_id>",
	Short: "Cancel a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("cancel"),
}

func init() {
	campaignCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "API server base URL")
	campaignCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SENDFLOCK_API_KEY"), "API key (defaults to SENDFLOCK_API_KEY)")
	campaignCmd.PersistentFlags().StringVar(&userID, "user", os.Getenv("SENDFLOCK_USER"), "User ID (defaults to SENDFLOCK_USER)")

	campaignCreateCmd.Flags().StringVar(&campaignName, "name", "", "Campaign name")
	campaignCreateCmd.Flags().StringVar(&campaignSubject, "subject", "", "Subject template")
	campaignCreateCmd.Flags().StringVar(&campaignHTML, "html", "", "HTML body template")
	campaignCreateCmd.Flags().StringVar(&campaignHTMLFile, "html-file", "", "Read HTML body template from file")
	campaignCreateCmd.Flags().StringVar(&campaignFromName, "from-name", "", "Sender display name")
	campaignCreateCmd.Flags().StringVar(&campaignFromEmail, "from", "", "Sender address")
	campaignCreateCmd.Flags().StringVar(&campaignReplyTo, "reply-to", "", "Reply-To address")
	campaignCreateCmd.Flags().StringVar(&campaignRecipients, "recipients", "", "CSV file with recipients (email column first, remaining columns become fields)")
	campaignCreateCmd.Flags().IntVar(&campaignBatchSize, "batch-size", 0, "Recipients per batch (0 uses the server default)")
	campaignCreateCmd.Flags().IntVar(&campaignRateLimit, "rate-limit", 0, "Messages per second (0 uses the server default)")
	campaignCreateCmd.Flags().IntVar(&campaignPriority, "priority", 0, "Queue priority")

	campaignListCmd.Flags().BoolVar(&campaignActiveOnly, "active", false, "Show only active campaigns")

	campaignCmd.AddCommand(campaignCreateCmd, campaignListCmd, campaignStatusCmd,
		campaignPauseCmd, campaignResumeCmd, campaignCancelCmd)
}

func apiRequest(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func loadRecipients(path string) ([]campaign.Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipients file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipients file: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("recipients file is empty")
	}

	header := records[0]
	recipients := make([]campaign.Recipient, 0, len(records)-1)

	for _, row := range records[1:] {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		rcpt := campaign.Recipient{Email: strings.TrimSpace(row[0])}
		for i := 1; i < len(row) && i < len(header); i++ {
			if row[i] == "" {
				continue
			}
			if rcpt.Fields == nil {
				rcpt.Fields = make(map[string]string)
			}
			rcpt.Fields[strings.TrimSpace(header[i])] = row[i]
		}
		recipients = append(recipients, rcpt)
	}

	return recipients, nil
}

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	if campaignRecipients == "" {
		return fmt.Errorf("--recipients file is required")
	}

	recipients, err := loadRecipients(campaignRecipients)
	if err != nil {
		return err
	}

	html := campaignHTML
	if campaignHTMLFile != "" {
		data, err := os.ReadFile(campaignHTMLFile)
		if err != nil {
			return fmt.Errorf("failed to read html template: %w", err)
		}
		html = string(data)
	}

	payload := map[string]any{
		"name":             campaignName,
		"subject_template": campaignSubject,
		"html_template":    html,
		"from_name":        campaignFromName,
		"from_email":       campaignFromEmail,
		"reply_to":         campaignReplyTo,
		"recipients":       recipients,
	}
	if campaignBatchSize > 0 {
		payload["batch_size"] = campaignBatchSize
	}
	if campaignRateLimit > 0 {
		payload["rate_limit"] = campaignRateLimit
	}
	if campaignPriority != 0 {
		payload["priority"] = campaignPriority
	}

	resp, err := apiRequest(http.MethodPost, "/api/v1/campaigns", payload)
	if err != nil {
		return err
	}

	var result struct {
		CampaignID          string `json:"campaign_id"`
		Status              string `json:"status"`
		TotalLeads          int    `json:"total_leads"`
		TotalBatches        int    `json:"total_batches"`
		EstimatedCompletion string `json:"estimated_completion,omitempty"`
	}
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Campaign created: %s\n", result.CampaignID)
	fmt.Printf("Status:  %s\n", result.Status)
	fmt.Printf("Leads:   %d in %d batches\n", result.TotalLeads, result.TotalBatches)
	if result.EstimatedCompletion != "" {
		fmt.Printf("ETA:     %s\n", result.EstimatedCompletion)
	}
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/campaigns"
	if campaignActiveOnly {
		path += "?active=true"
	}

	resp, err := apiRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	var campaigns []*campaign.Campaign
	if err := decodeResponse(resp, &campaigns); err != nil {
		return err
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLEADS\tSENT\tFAILED\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t-----\t----\t------\t-------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(c.ID),
			c.Config.Name,
			c.Status,
			c.TotalLeads,
			c.SentCount,
			c.FailedCount,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))
	return nil
}

func runCampaignStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiRequest(http.MethodGet, "/api/v1/campaigns/"+args[0]+"/progress", nil)
	if err != nil {
		return err
	}

	var snap campaign.Snapshot
	if err := decodeResponse(resp, &snap); err != nil {
		return err
	}

	fmt.Printf("Campaign: %s\n\n", snap.CampaignID)
	fmt.Printf("Status:   %s\n", snap.Status)
	fmt.Printf("Progress: %.1f%% (%d sent, %d failed of %d)\n",
		snap.Percent, snap.SentCount, snap.FailedCount, snap.TotalLeads)
	fmt.Printf("Batches:  %d/%d\n", snap.CurrentBatch, snap.TotalBatches)
	if snap.ETA != "" {
		fmt.Printf("ETA:      %s\n", snap.ETA)
	}
	if snap.StartedAt != nil {
		fmt.Printf("Started:  %s\n", snap.StartedAt.Format(time.RFC3339))
	}
	if snap.ErrorMessage != "" {
		fmt.Printf("\nError:\n  %s\n", snap.ErrorMessage)
	}
	return nil
}

func lifecycleRunner(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, err := apiRequest(http.MethodPost, "/api/v1/campaigns/"+args[0]+"/"+action, nil)
		if err != nil {
			return err
		}

		var result struct {
			CampaignID string `json:"campaign_id"`
			Status     string `json:"status"`
			Jobs       int    `json:"jobs,omitempty"`
		}
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		fmt.Printf("Campaign %s is now %s", result.CampaignID, result.Status)
		if result.Jobs > 0 {
			fmt.Printf(" (%d jobs affected)", result.Jobs)
		}
		fmt.Println()
		return nil
	}
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
