package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/humanify/server/internal/challenge"
	"github.com/humanify/server/internal/reputation"
	"github.com/humanify/server/internal/rules"
)

var (
	classifyUA   string
	classifyPath string
)

func init() {
	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().StringVar(&classifyUA, "ua", "", "User-Agent of the client")
	classifyCmd.Flags().StringVar(&classifyPath, "path", "/", "Request path exposed to policy rules")
}

var classifyCmd = &cobra.Command{
	Use:   "classify <address>",
	Short: "Print the verdict for a client address",
	Long:  "Runs the configured reputation sources and policy against one address\nand prints the verdict as JSON. Results are cached like in serve.",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	v := a.classifier.Classify(ctx, reputation.Request{
		Fingerprint: challenge.Fingerprint(args[0], classifyUA),
		Address:     args[0],
		UserAgent:   classifyUA,
		Attributes:  rules.Attributes{"method": "GET", "path": classifyPath},
	})

	out, err := json.MarshalIndent(struct {
		Address string `json:"address"`
		reputation.Verdict
	}{args[0], v}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
