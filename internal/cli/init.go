package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example config file",
	RunE:  initAction,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func initAction(_ *cobra.Command, _ []string) error {
	wrote, err := writeIfNotExists(configPath, []byte(exampleConfig))
	if err != nil {
		return err
	}
	if !wrote {
		fmt.Printf("Config %s already exists.\n", configPath)
		return nil
	}
	fmt.Printf("Initialized %s. Fill in the access tokens before running sync.\n", configPath)
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created. The file holds tokens, so it
// is created owner-readable only.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

const exampleConfig = `# mastodon-twitter-sync configuration

mastodon:
  base_url: https://mastodon.social
  access_token: ""
  # Read the token from an environment variable instead:
  # access_token_env: MASTODON_ACCESS_TOKEN
  # Only sync posts carrying this hashtag:
  # sync_hashtag: "#bike"
  delete_older_posts: false
  delete_older_favs: false

twitter:
  access_token: ""
  # access_token_env: TWITTER_ACCESS_TOKEN
  delete_older_posts: false
  delete_older_favs: false

sync:
  fetch_window: 50
  stop_threshold: 3
  skip_reposts: false
  timeout: 30s
  max_retries: 3

cache:
  path: post_cache.json

retention:
  max_age_days: 90
  archive_path: mastodon-twitter-sync.db
`
