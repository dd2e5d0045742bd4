package internal

import (
	"fmt"
	"hive-chat/domain"
	"strings"

	"github.com/mama165/sdk-go/database"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// RowPrefix is where the badger store keeps table rows.
const RowPrefix = "row:"

// RowMapper renders stored rows in the badger inspector.
func RowMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	if !strings.HasPrefix(key, RowPrefix) {
		return row
	}
	var fields structpb.Struct
	if err := proto.Unmarshal(val, &fields); err != nil {
		row.Detail = "Error: unmarshal failed"
		return row
	}
	table, _, _ := strings.Cut(strings.TrimPrefix(key, RowPrefix), ":")
	row.Type = strings.ToUpper(table)
	row.Detail = Describe(domain.Table(table), &fields)
	return row
}

// Describe is a one-line summary of a row.
func Describe(table domain.Table, row *structpb.Struct) string {
	fields := row.GetFields()
	switch table {
	case domain.TableMessages:
		return fmt.Sprintf("#%d %s: %s",
			int64(fields[domain.ColChannelID].GetNumberValue()),
			fields[domain.ColUserID].GetStringValue(),
			fields[domain.ColContent].GetStringValue())
	case domain.TableChannels:
		return fmt.Sprintf("%s (%s)", fields[domain.ColName].GetStringValue(), fields[domain.ColNameEn].GetStringValue())
	case domain.TableProfiles:
		detail := fields[domain.ColUsername].GetStringValue()
		if fields[domain.ColIsDisabled].GetBoolValue() {
			detail += " [disabled]"
		}
		return detail
	default:
		return fmt.Sprintf("%d fields", len(fields))
	}
}
