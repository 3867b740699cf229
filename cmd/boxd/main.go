package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"boxd/internal/app"
	"boxd/internal/box"
	"boxd/internal/config"
	"boxd/internal/crypto"
	"boxd/internal/volume"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config, prompts for the root key passphrase and creates
// an App. The caller must defer a.Close().
func newApp(operation string) (*app.App, error) {
	defaults, err := app.ResolveDefaults()
	if err != nil {
		return nil, fmt.Errorf("resolving defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	passphrase, err := promptPassphrase("Passphrase: ")
	if err != nil {
		return nil, err
	}

	a, err := app.New(context.Background(), cfg, operation, passphrase, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// promptPassphrase reads a passphrase without echo when stdin is a terminal,
// falling back to line-based reading for piped input.
func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(syscall.Stdin)) {
		pass, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(pass), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// navigateTo opens a navigator positioned at the given directory path.
func navigateTo(ctx context.Context, a *app.App, dir string) (*volume.Navigator, error) {
	nav, err := a.Volume().Navigate(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if dir != "" && dir != "/" {
		if err := nav.Navigate(ctx, dir); err != nil {
			nav.Close()
			return nil, err
		}
	}
	return nav, nil
}

// splitRemote splits a remote path into its directory and entry name.
func splitRemote(remote string) (dir, name string) {
	dir, name = path.Split(path.Clean("/" + remote))
	return path.Clean(dir), name
}

var rootCmd = &cobra.Command{
	Use:   "boxd",
	Short: "Encrypted cloud file tree",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and generate key material",
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		identity, _ := cmd.Flags().GetString("identity")
		storeType, _ := cmd.Flags().GetString("store")
		storeRoot, _ := cmd.Flags().GetString("store-root")
		s3Bucket, _ := cmd.Flags().GetString("s3-bucket")
		s3Region, _ := cmd.Flags().GetString("s3-region")
		s3Endpoint, _ := cmd.Flags().GetString("s3-endpoint")
		s3KeyPrefix, _ := cmd.Flags().GetString("s3-key-prefix")

		defaults, err := app.ResolveDefaults()
		if err != nil {
			return fmt.Errorf("resolving defaults: %w", err)
		}

		// The device id distinguishes this device in version chains.
		device := uuid.New()
		cfg := config.NewConfig(device[:], defaults.BaseDir, prefix)
		if identity != "" {
			cfg.Identity = identity
		}
		cfg.BlockStore = config.BlockStoreConfig{
			Type:        storeType,
			Root:        storeRoot,
			S3Bucket:    s3Bucket,
			S3Region:    s3Region,
			S3Endpoint:  s3Endpoint,
			S3KeyPrefix: s3KeyPrefix,
		}

		passphrase, err := promptPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		rootKey := make([]byte, 32)
		if _, err := rand.Read(rootKey); err != nil {
			return fmt.Errorf("generating root key: %w", err)
		}
		if err := crypto.SaveRootKey(cfg.Crypto.KeyPath, rootKey, passphrase); err != nil {
			return fmt.Errorf("saving root key: %w", err)
		}

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Device ID: %s\n", cfg.DeviceID)
		fmt.Printf("Root key:  %s\n", cfg.Crypto.KeyPath)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.ResolveDefaults()
		if err != nil {
			return fmt.Errorf("resolving defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Device ID:   %s\n", cfg.DeviceID)
		fmt.Printf("Identity:    %s\n", cfg.Identity)
		fmt.Printf("Prefix:      %s\n", cfg.Prefix)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Block store: %s\n", cfg.BlockStore.Type)
		return nil
	},
}

// index command
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the index directory",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the index directory for this identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("CreateIndex")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Volume().CreateIndex(context.Background()); err != nil {
			return err
		}
		fmt.Println("Index created")
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "/"
		if len(args) > 0 {
			dir = args[0]
		}

		a, err := newApp("List")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		nav, err := navigateTo(ctx, a, dir)
		if err != nil {
			return err
		}
		defer nav.Close()

		folders, err := nav.ListFolders()
		if err != nil {
			return err
		}
		for _, f := range folders {
			fmt.Printf("%12s  %s/\n", "", f.Name)
		}

		files, err := nav.ListFiles()
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Printf("%12d  %s\n", f.Size, f.Name)
		}

		externals, err := nav.ListExternals()
		if err != nil {
			return err
		}
		for _, e := range externals {
			marker := "@"
			if e.IsFolder {
				marker = "@/"
			}
			fmt.Printf("%12s  %s%s\n", "", e.Name, marker)
		}
		return nil
	},
}

// mkdir command
var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, name := splitRemote(args[0])

		a, err := newApp("CreateFolder")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		nav, err := navigateTo(ctx, a, dir)
		if err != nil {
			return err
		}
		defer nav.Close()

		if _, err := nav.CreateFolder(name); err != nil {
			return err
		}
		return nav.Commit(ctx)
	},
}

// put command
var putCmd = &cobra.Command{
	Use:   "put LOCAL REMOTE",
	Short: "Upload a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, remote := args[0], args[1]
		dir, name := splitRemote(remote)

		f, err := os.Open(local)
		if err != nil {
			return fmt.Errorf("opening %s: %w", local, err)
		}
		defer f.Close()

		a, err := newApp("Upload")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		nav, err := navigateTo(ctx, a, dir)
		if err != nil {
			return err
		}
		defer nav.Close()

		file, err := nav.Upload(ctx, name, f)
		if err != nil {
			return err
		}
		if err := nav.Commit(ctx); err != nil {
			return err
		}

		fmt.Printf("Uploaded %s (%d bytes)\n", remote, file.Size)
		return nil
	},
}

// get command
var getCmd = &cobra.Command{
	Use:   "get REMOTE [LOCAL]",
	Short: "Download a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, name := splitRemote(args[0])

		a, err := newApp("Download")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		nav, err := navigateTo(ctx, a, dir)
		if err != nil {
			return err
		}
		defer nav.Close()

		out := os.Stdout
		if len(args) > 1 {
			out, err = os.Create(args[1])
			if err != nil {
				return fmt.Errorf("creating %s: %w", args[1], err)
			}
			defer out.Close()
		}

		return nav.Download(ctx, name, out)
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Delete a file, folder or attached share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, name := splitRemote(args[0])

		a, err := newApp("Delete")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		nav, err := navigateTo(ctx, a, dir)
		if err != nil {
			return err
		}
		defer nav.Close()

		obj, err := lookupEntry(nav, name)
		if err != nil {
			return err
		}
		if err := nav.Delete(obj); err != nil {
			return err
		}
		return nav.Commit(ctx)
	},
}

// mv command
var mvCmd = &cobra.Command{
	Use:   "mv PATH NEWNAME",
	Short: "Rename an entry within its directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, name := splitRemote(args[0])
		newName := args[1]

		a, err := newApp("Rename")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		nav, err := navigateTo(ctx, a, dir)
		if err != nil {
			return err
		}
		defer nav.Close()

		obj, err := lookupEntry(nav, name)
		if err != nil {
			return err
		}
		if _, err := nav.Rename(obj, newName); err != nil {
			return err
		}
		return nav.Commit(ctx)
	},
}

// attach command
var attachCmd = &cobra.Command{
	Use:   "attach NAME",
	Short: "Mount another identity's share in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		dir, _ := cmd.Flags().GetString("dir")
		url, _ := cmd.Flags().GetString("url")
		ownerHex, _ := cmd.Flags().GetString("owner")
		keyHex, _ := cmd.Flags().GetString("key")
		isFolder, _ := cmd.Flags().GetBool("folder")

		owner, err := decodeHexFlag("owner", ownerHex)
		if err != nil {
			return err
		}
		key, err := decodeHexFlag("key", keyHex)
		if err != nil {
			return err
		}

		a, err := newApp("AttachExternal")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		nav, err := navigateTo(ctx, a, dir)
		if err != nil {
			return err
		}
		defer nav.Close()

		ext := &box.External{
			IsFolder: isFolder,
			Owner:    owner,
			Name:     name,
			Key:      key,
			URL:      url,
		}
		if err := nav.AttachExternal(ext); err != nil {
			return err
		}
		return nav.Commit(ctx)
	},
}

// detach command
var detachCmd = &cobra.Command{
	Use:   "detach NAME",
	Short: "Remove an attached share from a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		dir, _ := cmd.Flags().GetString("dir")

		a, err := newApp("DetachExternal")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		nav, err := navigateTo(ctx, a, dir)
		if err != nil {
			return err
		}
		defer nav.Close()

		if err := nav.DetachExternal(name); err != nil {
			return err
		}
		return nav.Commit(ctx)
	},
}

// lookupEntry finds an entry by name regardless of kind.
func lookupEntry(nav *volume.Navigator, name string) (box.Object, error) {
	if f, err := nav.GetFile(name); err != nil {
		return nil, err
	} else if f != nil {
		return f, nil
	}
	if f, err := nav.GetFolder(name); err != nil {
		return nil, err
	} else if f != nil {
		return f, nil
	}
	if e, err := nav.GetExternal(name); err != nil {
		return nil, err
	} else if e != nil {
		return e, nil
	}
	return nil, fmt.Errorf("%q: %w", name, box.ErrNotFound)
}

func decodeHexFlag(flag, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("--%s is required", flag)
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return b, nil
}

func init() {
	configInitCmd.Flags().String("prefix", "", "identity's namespace in the block store")
	configInitCmd.Flags().String("identity", "", "identity public key for document ids")
	configInitCmd.Flags().String("store", "filesystem", "block store backend: memory, filesystem or s3")
	configInitCmd.Flags().String("store-root", "", "root directory for the filesystem backend")
	configInitCmd.Flags().String("s3-bucket", "", "bucket for the s3 backend")
	configInitCmd.Flags().String("s3-region", "", "region for the s3 backend")
	configInitCmd.Flags().String("s3-endpoint", "", "endpoint override for S3-compatible services")
	configInitCmd.Flags().String("s3-key-prefix", "", "key prefix inside the bucket")
	configInitCmd.MarkFlagRequired("prefix")

	attachCmd.Flags().String("dir", "/", "directory to attach into")
	attachCmd.Flags().String("url", "", "block store URL of the shared subtree")
	attachCmd.Flags().String("owner", "", "hex-encoded owner public key")
	attachCmd.Flags().String("key", "", "hex-encoded share key")
	attachCmd.Flags().Bool("folder", false, "the share is a folder")
	attachCmd.MarkFlagRequired("url")

	detachCmd.Flags().String("dir", "/", "directory to detach from")

	configCmd.AddCommand(configInitCmd, configListCmd)
	indexCmd.AddCommand(indexCreateCmd)
	rootCmd.AddCommand(configCmd, indexCmd, lsCmd, mkdirCmd, putCmd, getCmd, rmCmd, mvCmd, attachCmd, detachCmd)
}
