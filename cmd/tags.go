package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"hybridrag/src/core/retrieval"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Resolve, link and merge tags",
}

var tagsResolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Return the canonical tag for a name, creating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromConfig()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.service.ResolveOrCreateTag(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		verb := "created"
		if res.Merged {
			verb = "matched"
		}
		fmt.Printf("%s tag %s %q (used %d times)\n", verb, res.Tag.ID, res.Tag.Name, res.Tag.UsageCount)
		return nil
	},
}

var tagsLinkCmd = &cobra.Command{
	Use:   "link <entity-id> <tag-id> <confidence>",
	Short: "Attach a tag to an entity",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		confidence, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid confidence %q: %w", args[2], err)
		}
		a, err := appFromConfig()
		if err != nil {
			return err
		}
		defer a.Close()

		link, err := a.service.LinkTag(cmd.Context(), args[0], args[1], confidence)
		if err != nil {
			return err
		}
		printLink(link)
		return nil
	},
}

var tagsStatusCmd = &cobra.Command{
	Use:   "status <entity-id> <tag-id> <pending|confirmed|rejected>",
	Short: "Set the review status of a link",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := retrieval.ParseLinkStatus(args[2])
		if err != nil {
			return err
		}
		a, err := appFromConfig()
		if err != nil {
			return err
		}
		defer a.Close()

		link, err := a.service.SetLinkStatus(cmd.Context(), args[0], args[1], status)
		if err != nil {
			return err
		}
		printLink(link)
		return nil
	},
}

var tagsListCmd = &cobra.Command{
	Use:   "list <entity-id>",
	Short: "List the tag links of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromConfig()
		if err != nil {
			return err
		}
		defer a.Close()

		links, err := a.service.ListTagLinks(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, l := range links {
			printLink(l)
		}
		return nil
	},
}

var tagsRemergeCmd = &cobra.Command{
	Use:   "remerge",
	Short: "Merge existing tags whose names embed within the merge distance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromConfig()
		if err != nil {
			return err
		}
		defer a.Close()

		merged, err := a.service.RemergeTags(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Merged %d tags\n", merged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tagsCmd)
	tagsCmd.AddCommand(tagsResolveCmd, tagsLinkCmd, tagsStatusCmd, tagsListCmd, tagsRemergeCmd)
}

func printLink(l retrieval.TagLink) {
	fmt.Printf("%s -> %s  %-9s %.2f\n", l.EntityID, l.TagID, l.Status, l.Confidence)
}

func appFromConfig() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(cfg)
}
