package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/emperorhan/pixelboard/internal/config"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/render"
	"github.com/emperorhan/pixelboard/internal/store/filestore"
	"github.com/spf13/cobra"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a board's HTML from its persisted text file",
	Long: `Read board{n}.txt from the data directory, substitute it into the
presentation template and write the result. Nothing is published.

Example:
  pixelboard render --board 2
  pixelboard render --board 0 --out -`,
	RunE: runRender,
}

func init() {
	defaults := config.Default()
	renderCmd.Flags().Int("board", -1, "board id to render (required)")
	renderCmd.Flags().String("data-dir", defaults.Storage.DataDir, "directory holding board{n}.txt")
	renderCmd.Flags().String("template", defaults.Storage.TemplatePath, "presentation template path")
	renderCmd.Flags().String("out", "", `output path; empty writes board{n}.html in the data directory, "-" writes to stdout`)
	_ = renderCmd.MarkFlagRequired("board")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, _ []string) error {
	boardFlag, _ := cmd.Flags().GetInt("board")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	templatePath, _ := cmd.Flags().GetString("template")
	out, _ := cmd.Flags().GetString("out")

	id := model.BoardID(boardFlag)
	if !id.Valid() {
		return fmt.Errorf("board must be between 0 and %d, got %d", model.NumBoards-1, boardFlag)
	}

	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	files, err := filestore.New(dataDir, logger)
	if err != nil {
		return err
	}
	grid, err := files.LoadGrid(id)
	if err != nil {
		return err
	}
	payload, err := render.NewTemplateFile(templatePath).Render(id, &grid)
	if err != nil {
		return err
	}

	switch out {
	case "-":
		_, err = cmd.OutOrStdout().Write(payload)
		return err
	case "":
		if err := files.SaveHTML(id, payload); err != nil {
			return fmt.Errorf("write %s: %w", files.HTMLPath(id), err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", files.HTMLPath(id))
		return nil
	default:
		if err := os.WriteFile(out, payload, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", out)
		return nil
	}
}
