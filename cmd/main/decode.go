package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/credential"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [session-id]",
	Short: "Validate a session id offline and print what it contains",
	Long:  `Decodes a ` + credential.Prefix + ` session id without connecting anywhere. Reads stdin when no argument is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blob, err := readBlob(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		return decodeBlob(cmd.OutOrStdout(), blob)
	},
}

func readBlob(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errors.New("no session id given")
}

func decodeBlob(out io.Writer, blob string) error {
	material, err := credential.Decode(blob)
	switch {
	case errors.Is(err, credential.ErrInvalidFormat):
		return fmt.Errorf("invalid format: %w", err)
	case errors.Is(err, credential.ErrCorruptPayload):
		return fmt.Errorf("corrupt payload: %w", err)
	case err != nil:
		return err
	}
	fmt.Fprintln(out, "valid session id:", material.Summary())
	return nil
}
