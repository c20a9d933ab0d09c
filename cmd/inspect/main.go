package main

import (
	"chat-relay/repositories"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
)

// inspect prints what the relay stored, either as decoded messages or as raw keys under a prefix.
func main() {
	dbPath := flag.String("db", database.DefaultPath, "Path to badger DB")
	prefix := flag.String("prefix", "", "Raw key prefix to scan (msg:, unread:, lastseen:). Empty lists decoded messages")
	limit := flag.Int("limit", 0, "Maximum number of rows, 0 for all")
	flag.Parse()

	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := newTable()
	if *prefix == "" {
		err = messages(db, table, *limit)
	} else {
		err = raw(db, table, *prefix, *limit)
	}
	if err != nil {
		log.Fatal(err)
	}
	table.Render()
}

func newTable() *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func messages(db *badger.DB, table *tablewriter.Table, limit int) error {
	stored, err := repositories.NewMessageRepository(db, slog.Default()).Dump(limit)
	if err != nil {
		return err
	}
	table.SetHeader([]string{"ID", "Time", "Sender", "Recv", "Read", "Msg"})
	for _, m := range stored {
		table.Append([]string{
			m.ID.String()[:8],
			time.UnixMilli(int64(m.Time)).Format(time.DateTime),
			m.Sender,
			m.Recipient,
			strconv.FormatBool(m.Read),
			m.Body,
		})
	}
	return nil
}

func raw(db *badger.DB, table *tablewriter.Table, prefix string, limit int) error {
	table.SetHeader([]string{"Key", "Value"})
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		rows := 0
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if limit > 0 && rows == limit {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("reading %s: %w", it.Item().Key(), err)
			}
			table.Append([]string{string(it.Item().KeyCopy(nil)), strings.TrimSpace(string(value))})
			rows++
		}
		return nil
	})
}
