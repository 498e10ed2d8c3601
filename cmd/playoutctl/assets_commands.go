package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"playout/internal/playout"
)

func newAssetsCommand(ctx *commandContext) *cobra.Command {
	assetsCmd := &cobra.Command{
		Use:   "assets",
		Short: "Manage registered media",
	}

	assetsCmd.AddCommand(newAssetsListCommand(ctx))
	assetsCmd.AddCommand(newAssetsUploadCommand(ctx))
	assetsCmd.AddCommand(newAssetsDeleteCommand(ctx))

	return assetsCmd
}

func newAssetsListCommand(ctx *commandContext) *cobra.Command {
	var derived bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			assets, err := ctx.client().Assets(reqCtx)
			if err != nil {
				return err
			}
			if !derived {
				assets = sourcesOnly(assets)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, assets)
			}
			if len(assets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No assets registered")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(),
				[]string{"Asset", "Type", "Class", "Duration", "Refs", "Source"},
				buildAssetRows(assets),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&derived, "derived", false, "Include derived renditions")
	return cmd
}

func sourcesOnly(assets []playout.Asset) []playout.Asset {
	out := assets[:0:0]
	for _, a := range assets {
		if a.Classification != playout.Derived {
			out = append(out, a)
		}
	}
	return out
}

func buildAssetRows(assets []playout.Asset) [][]string {
	rows := make([][]string, 0, len(assets))
	for _, a := range assets {
		duration := "-"
		if a.DurationSeconds > 0 {
			duration = strconv.FormatFloat(a.DurationSeconds, 'f', -1, 64) + "s"
		}
		source := ""
		if a.Source != nil {
			source = a.Source.String()
		}
		rows = append(rows, []string{
			a.Key().String(),
			string(a.MediaType),
			string(a.Classification),
			duration,
			strconv.Itoa(len(a.References)),
			source,
		})
	}
	return rows
}

func newAssetsUploadCommand(ctx *commandContext) *cobra.Command {
	var name, mediaType string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a media file as a new source asset",
		Long: `Upload a media file as a new source asset.

The asset format is the file extension. The name defaults to the file name
without its extension.`,
		Example: "  playoutctl assets upload ./logo.png --type image\n  playoutctl assets upload ./deck.pdf --type presentation --name weekly",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := uploadRequestFor(args[0], name, mediaType)
			if err != nil {
				return err
			}

			asset, err := ctx.client().Upload(cmd.Context(), req, args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, asset)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", asset.Key(), asset.MediaType)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Asset name (defaults to the file name)")
	cmd.Flags().StringVar(&mediaType, "type", "", "Media type: image, presentation or video")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func uploadRequestFor(path, name, mediaType string) (playout.UploadRequest, error) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext == "" || ext == base {
		return playout.UploadRequest{}, fmt.Errorf("%s has no file extension to use as the asset format", base)
	}
	if name == "" {
		name = strings.TrimSuffix(base, ext)
	}
	return playout.UploadRequest{
		Name:      name,
		Format:    strings.ToLower(strings.TrimPrefix(ext, ".")),
		MediaType: playout.MediaType(mediaType),
	}, nil
}

func newAssetsDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name> <format>",
		Aliases: []string{"rm"},
		Short:   "Retire an asset that no timeline entry references",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := playout.AssetKey{Name: args[0], Format: args[1]}

			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			if err := ctx.client().RetireAsset(reqCtx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retired %s\n", key)
			return nil
		},
	}
}
