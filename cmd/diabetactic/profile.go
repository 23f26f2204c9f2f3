package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/diabetactic/diabetactic-go"
	"github.com/diabetactic/diabetactic-go/internal/store"
	"github.com/spf13/cobra"
)

var (
	profileDeleteConfirm bool
	profileDeleteForce   bool
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage local profiles",
	Long: `Each profile is a separate local database under the data root
(~/.diabetactic/profiles by default). Select one with --profile or
DIABETACTIC_PROFILE.`,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profileInfoCmd = &cobra.Command{
	Use:   "info [profile]",
	Short: "Show the bound user and queue of a profile",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProfileInfo,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <profile>",
	Short: "Delete a profile and its local data",
	Long: `Delete a local profile. Requires --confirm. A profile with queued writes
that were never uploaded is only deleted with --force.`,
	Example: `  diabetactic profile delete clinic --confirm`,
	Args:    cobra.ExactArgs(1),
	RunE:    runProfileDelete,
}

func init() {
	profileDeleteCmd.Flags().BoolVar(&profileDeleteConfirm, "confirm", false, "Confirm deletion (required)")
	profileDeleteCmd.Flags().BoolVar(&profileDeleteForce, "force", false, "Delete even with unsynced writes")

	profileCmd.AddCommand(profileListCmd, profileInfoCmd, profileDeleteCmd)
	rootCmd.AddCommand(profileCmd)
}

// ProfileInfo describes one local profile.
type ProfileInfo struct {
	Name     string                  `json:"name"`
	Path     string                  `json:"path"`
	User     string                  `json:"user,omitempty"`
	SizeByte int64                   `json:"size_bytes"`
	Queue    *diabetactic.QueueStats `json:"queue,omitempty"`
}

func dataRoot() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.DataRoot != "" {
		return cfg.DataRoot, nil
	}
	return store.DefaultDataRoot(), nil
}

// inspectProfile reads the user binding and queue counters of a profile.
func inspectProfile(ctx context.Context, root, name string) (*ProfileInfo, error) {
	path := store.ProfileDBPath(root, name)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	info := &ProfileInfo{Name: name, Path: path, SizeByte: fi.Size()}
	s, err := diabetactic.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if user, err := s.UserID(ctx); err == nil {
		info.User = user
	} else if !errors.Is(err, diabetactic.ErrNoUser) {
		return nil, err
	}
	if info.User != "" {
		if info.Queue, err = s.Stats(ctx); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func runProfileList(cmd *cobra.Command, args []string) error {
	root, err := dataRoot()
	if err != nil {
		return err
	}

	dirs, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read data root: %w", err)
	}

	profiles := []ProfileInfo{}
	for _, d := range dirs {
		if !d.IsDir() || store.ValidateProfile(d.Name()) != nil {
			continue
		}
		info, err := inspectProfile(cmd.Context(), root, d.Name())
		if err != nil {
			continue
		}
		profiles = append(profiles, *info)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })

	if outputJSON {
		return outputAsJSON(cmd, profiles)
	}

	out := cmd.OutOrStdout()
	if len(profiles) == 0 {
		printWarning(out, "No profiles in %s", root)
		printMuted(out, "A profile is created the first time you log in with --profile <name>")
		return nil
	}

	rows := make([][]string, 0, len(profiles))
	for _, p := range profiles {
		pending := "-"
		if p.Queue != nil {
			pending = strconv.Itoa(p.Queue.Pending + p.Queue.Failed)
		}
		rows = append(rows, []string{p.Name, orDash(p.User), pending, humanSize(p.SizeByte)})
	}
	printInfo(out, "Local profiles (%d):", len(profiles))
	fmt.Fprintln(out, renderTable([]string{"PROFILE", "USER", "UNSYNCED", "SIZE"}, rows))
	return nil
}

func runProfileInfo(cmd *cobra.Command, args []string) error {
	root, err := dataRoot()
	if err != nil {
		return err
	}
	name := cfgProfile
	if len(args) == 1 {
		name = args[0]
	}
	if name, err = store.ResolveProfile(name); err != nil {
		return err
	}

	info, err := inspectProfile(cmd.Context(), root, name)
	if os.IsNotExist(err) {
		return fmt.Errorf("profile %q not found in %s", name, root)
	}
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, info)
	}
	out := cmd.OutOrStdout()
	printInfo(out, "Profile %s", info.Name)
	printField(out, "Path", info.Path)
	printField(out, "User", orDash(info.User))
	printField(out, "Size", humanSize(info.SizeByte))
	if info.Queue != nil {
		return outputQueueStats(cmd, info.Queue)
	}
	return nil
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := store.ValidateProfile(name); err != nil {
		return err
	}
	if !profileDeleteConfirm {
		return errors.New("refusing to delete without --confirm")
	}
	root, err := dataRoot()
	if err != nil {
		return err
	}

	info, err := inspectProfile(cmd.Context(), root, name)
	if os.IsNotExist(err) {
		return fmt.Errorf("profile %q not found in %s", name, root)
	}
	if err != nil {
		return err
	}
	if q := info.Queue; q != nil && q.Pending+q.InFlight+q.Failed > 0 && !profileDeleteForce {
		return fmt.Errorf("profile %q has %d unsynced write(s); sync first or pass --force", name, q.Pending+q.InFlight+q.Failed)
	}

	if err := os.RemoveAll(filepath.Dir(info.Path)); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]string{"deleted": name})
	}
	printSuccess(cmd.OutOrStdout(), "Deleted profile %s", name)
	return nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
