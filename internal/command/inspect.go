package command

import (
	"fmt"
	"hive-chat/internal"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"
)

// NewInspectCmd creates the inspect command. It dumps a badger directory,
// the server store or the local identity store, without taking its lock.
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump the rows of a badger store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("db")
			prefix, _ := cmd.Flags().GetString("prefix")

			db, err := openReadOnly(path)
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("error while opening badger: %w", err))
			}
			defer db.Close()

			table := newTable(cmd.OutOrStdout(), "Key", "Type", "Detail")
			err = db.View(func(txn *badger.Txn) error {
				it := txn.NewIterator(badger.DefaultIteratorOptions)
				defer it.Close()

				prefixBytes := []byte(prefix)
				for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
					item := it.Item()
					key := string(item.Key())
					if err := item.Value(func(val []byte) error {
						row := internal.RowMapper(key, val)
						table.Append([]string{key, row.Type, row.Detail})
						return nil
					}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().String("db", "./data/hive", "path to the badger directory")
	cmd.Flags().String("prefix", internal.RowPrefix, "key prefix to scan")
	return cmd
}

func openReadOnly(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil && strings.Contains(err.Error(), "Log truncate required") {
		return nil, fmt.Errorf("%w: start and stop hived once to repair the value log", err)
	}
	return db, err
}
