package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	lbz "github.com/ictstorage/lbz/pkg"
)

var (
	ioInput  string
	ioOutput string
	ioCount  int64
	ioFlush  bool
)

var writeCmd = &cobra.Command{
	Use:   "write <block>",
	Short: "Write a file or stdin at a block offset",
	Long: `Write the content of a file, or stdin, starting at a logical block. The
last block is padded with zeros.

Examples:
  lbz write 128 --device /var/lib/lbz --input image.bin
  echo hello | lbz write 0 --device /var/lib/lbz`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runWrite(args[0]))
	},
}

var readCmd = &cobra.Command{
	Use:   "read <block>",
	Short: "Read blocks to a file or stdout",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runRead(args[0]))
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <block>",
	Short: "Unmap a block range",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runDiscard(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(writeCmd, readCmd, discardCmd)

	writeCmd.Flags().StringVarP(&ioInput, "input", "i", "-", "file to write, - for stdin")
	writeCmd.Flags().BoolVar(&ioFlush, "flush", false, "issue flushing writes")
	readCmd.Flags().StringVarP(&ioOutput, "output", "O", "-", "file to write to, - for stdout")
	readCmd.Flags().Int64VarP(&ioCount, "count", "n", 1, "number of blocks")
	discardCmd.Flags().Int64VarP(&ioCount, "count", "n", 1, "number of blocks")
}

func parseBlock(arg string) (int64, error) {
	var block int64
	if _, err := fmt.Sscan(arg, &block); err != nil || block < 0 {
		return 0, errors.Errorf("invalid block %q", arg)
	}
	return block, nil
}

func runWrite(arg string) (err error) {
	block, err := parseBlock(arg)
	if err != nil {
		return err
	}
	in := io.Reader(os.Stdin)
	if ioInput != "-" {
		f, err := os.Open(ioInput)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return errors.Wrap(err, "read input")
	}
	if rem := len(data) % lbz.BlockSize; rem != 0 || len(data) == 0 {
		data = append(data, make([]byte, lbz.BlockSize-rem)...)
	}

	d, err := openDevice()
	if err != nil {
		return err
	}
	defer closeDevice(d, &err)

	off := block * lbz.BlockSize
	if ioFlush {
		_, err = d.FlushAt(context.Background(), data, off)
	} else {
		_, err = d.WriteAt(data, off)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %d blocks at %d\n", len(data)/lbz.BlockSize, block)
	return nil
}

func runRead(arg string) (err error) {
	block, err := parseBlock(arg)
	if err != nil {
		return err
	}
	out := io.Writer(os.Stdout)
	if ioOutput != "-" {
		f, err := os.Create(ioOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	d, err := openDevice()
	if err != nil {
		return err
	}
	defer closeDevice(d, &err)

	buf := make([]byte, ioCount*lbz.BlockSize)
	if _, err := d.ReadAt(buf, block*lbz.BlockSize); err != nil {
		return err
	}
	_, err = out.Write(buf)
	return err
}

func runDiscard(arg string) (err error) {
	block, err := parseBlock(arg)
	if err != nil {
		return err
	}
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer closeDevice(d, &err)

	return d.Discard(block*lbz.BlockSize, ioCount*lbz.BlockSize)
}
