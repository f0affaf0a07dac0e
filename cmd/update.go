package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const releasesURL = "https://api.github.com/repos/adytum-sh/adytum/releases/latest"

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Check for a newer release",
		Long: "Update queries the release feed and reports whether a newer version\n" +
			"exists. Installation stays in your hands: the gateway may be running\n" +
			"agents, so the binary is never swapped underneath it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			latest, url, err := fetchLatestRelease(cmd.Context())
			if err != nil {
				return fmt.Errorf("release check failed: %w", err)
			}
			current := strings.TrimPrefix(Version, "v")
			if current == "dev" {
				fmt.Printf("Running a dev build; latest release is %s.\n%s\n", latest, url)
				return nil
			}
			if strings.TrimPrefix(latest, "v") == current {
				fmt.Printf("adytum %s is up to date.\n", Version)
				return nil
			}
			fmt.Printf("adytum %s → %s available.\n\n", Version, latest)
			fmt.Printf("  Release notes: %s\n", url)
			fmt.Println("  Install:       go install github.com/adytum-sh/adytum@" + latest)
			fmt.Println("\nStop the gateway before replacing the binary, then run `adytum migrate up` in managed mode.")
			return nil
		},
	}
}

func fetchLatestRelease(ctx context.Context) (tag, url string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", releasesURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP %d from release feed", resp.StatusCode)
	}

	var doc struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", "", err
	}
	if doc.TagName == "" {
		return "", "", fmt.Errorf("release feed returned no tag")
	}
	return doc.TagName, doc.HTMLURL, nil
}
