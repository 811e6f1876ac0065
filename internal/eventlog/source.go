package eventlog

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/internal/broadcast"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// Source is anything that publishes sealed blocks: an environment, an
// agent, or a Filter over either.
type Source interface {
	Subscribe() *broadcast.Subscription[types.Block]
}

// completeSource is a Source that can also subscribe without dropping.
type completeSource interface {
	SubscribeAll() *broadcast.Subscription[types.Block]
}

// subscribeAll prefers a lossless subscription and reports whether it got one.
func subscribeAll(src Source) (*broadcast.Subscription[types.Block], bool) {
	if f, ok := src.(*filtered); ok {
		return subscribeAll(f.Source)
	}
	if c, ok := src.(completeSource); ok {
		return c.SubscribeAll(), true
	}
	return src.Subscribe(), false
}

type eventFilter interface {
	FilterEvents(logs []types.LogRecord) []types.LogRecord
}

type filtered struct {
	Source
	addrs map[common.Address]struct{}
}

// Filter narrows src to logs emitted by addrs, on top of any filter src
// applies itself.
func Filter(src Source, addrs ...common.Address) Source {
	f := &filtered{Source: src, addrs: make(map[common.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		f.addrs[a] = struct{}{}
	}
	return f
}

func (f *filtered) FilterEvents(logs []types.LogRecord) []types.LogRecord {
	if inner, ok := f.Source.(eventFilter); ok {
		logs = inner.FilterEvents(logs)
	}
	out := make([]types.LogRecord, 0, len(logs))
	for _, l := range logs {
		if _, ok := f.addrs[l.Address]; ok {
			out = append(out, l)
		}
	}
	return out
}

// labelOf names an unlabelled stream source.
func labelOf(src Source, i int) string {
	switch s := src.(type) {
	case *filtered:
		return labelOf(s.Source, i)
	case interface{ Label() string }:
		return s.Label()
	case interface {
		Identity() (string, common.Address)
	}:
		name, _ := s.Identity()
		return name
	}
	return fmt.Sprintf("stream-%d", i)
}

// records converts the logs of block into records for label.
func records(src Source, label string, block types.Block, meta map[string]any) []types.EventRecord {
	logs := block.Logs
	if f, ok := src.(eventFilter); ok {
		logs = f.FilterEvents(logs)
	}
	out := make([]types.EventRecord, 0, len(logs))
	for _, l := range logs {
		topics := l.Topics
		if topics == nil {
			topics = []common.Hash{}
		}
		out = append(out, types.EventRecord{
			Timestamp:   block.Time,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			LogIndex:    l.Index,
			Source:      label,
			Event: types.EventPayload{
				Address: l.Address,
				Topics:  topics,
				Data:    l.Data,
			},
			Metadata: meta,
		})
	}
	return out
}
