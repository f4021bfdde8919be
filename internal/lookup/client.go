package lookup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"dsnode/internal/logger"
	"dsnode/internal/types"
	"dsnode/internal/wire"
)

// Chain selectors in a BlockRequest.
const (
	ChainDS byte = iota
	ChainTx
)

// requestTimeout bounds one fetch round-trip to a lookup node.
const requestTimeout = 30 * time.Second

// requestID numbers outgoing lookup requests.
var requestID atomic.Uint64

// Requester sends a request and waits for the response. Implemented by
// *network.Peer; faked in tests.
type Requester interface {
	Request(ctx context.Context, data []byte) ([]byte, error)
}

// Dialer resolves a lookup address to a Requester.
type Dialer interface {
	Connect(addr string) (Requester, error)
}

// Client fetches chain data from the lookup tier.
type Client struct {
	dialer  Dialer
	seeds   []string // well-known lookup addresses
	offline *offlineLookups
}

// NewClient creates a lookup client over the given seed addresses.
func NewClient(dialer Dialer, seeds []string) *Client {
	return &Client{
		dialer:  dialer,
		seeds:   seeds,
		offline: newOfflineLookups(),
	}
}

// FetchOfflineLookups asks a seed for the current offline-lookup address
// list and publishes it for waiters.
func (c *Client) FetchOfflineLookups(ctx context.Context) error {
	reqID := requestID.Add(1)

	builder := flatbuffers.NewBuilder(64)
	types.LookupAddrsRequestStart(builder)
	types.LookupAddrsRequestAddRequestId(builder, reqID)
	builder.Finish(types.LookupAddrsRequestEnd(builder))

	respData, err := c.requestAny(ctx,
		frameRequest(wire.LookupInstructionGetOfflineLookups, builder.FinishedBytes()))
	if err != nil {
		return fmt.Errorf("fetch offline lookups: %w", err)
	}

	resp := types.GetRootAsLookupAddrsResponse(respData, 0)
	if resp.RequestId() != reqID {
		return fmt.Errorf("request id mismatch: got %d, want %d", resp.RequestId(), reqID)
	}

	addrs := make([]string, 0, resp.AddrsLength())
	for i := 0; i < resp.AddrsLength(); i++ {
		addrs = append(addrs, string(resp.Addrs(i)))
	}

	logger.Debug("offline lookups fetched", "count", len(addrs))
	c.offline.set(addrs)

	return nil
}

// WaitOfflineLookups blocks until the offline-lookup list is available or
// the timeout elapses.
func (c *Client) WaitOfflineLookups(timeout time.Duration) ([]string, bool) {
	select {
	case <-c.offline.ready:
		return c.offline.get(), true
	case <-time.After(timeout):
		return nil, false
	}
}

// ResetOfflineLookups clears the fetched list before a new sync attempt.
func (c *Client) ResetOfflineLookups() {
	c.offline.reset()
}

// FetchBlocks pulls blocks from one chain starting at fromBlock
// (inclusive). A zero toBlock asks for everything the lookup has.
func (c *Client) FetchBlocks(ctx context.Context, chainSel byte, fromBlock, toBlock uint64) ([]NumberedBlock, error) {
	reqID := requestID.Add(1)

	instruction := wire.LookupInstructionGetDSBlocks
	if chainSel == ChainTx {
		instruction = wire.LookupInstructionGetTxBlocks
	}

	builder := flatbuffers.NewBuilder(64)
	types.BlockRequestStart(builder)
	types.BlockRequestAddRequestId(builder, reqID)
	types.BlockRequestAddChain(builder, chainSel)
	types.BlockRequestAddFromBlock(builder, fromBlock)
	types.BlockRequestAddToBlock(builder, toBlock)
	builder.Finish(types.BlockRequestEnd(builder))

	respData, err := c.requestAny(ctx, frameRequest(instruction, builder.FinishedBytes()))
	if err != nil {
		return nil, fmt.Errorf("fetch blocks: %w", err)
	}

	resp := types.GetRootAsBlockResponse(respData, 0)
	if resp.RequestId() != reqID {
		return nil, fmt.Errorf("request id mismatch: got %d, want %d", resp.RequestId(), reqID)
	}

	if resp.Count() == 0 {
		return nil, nil
	}

	blocks, err := DecodeBlockBatch(resp.DataBytes())
	if err != nil {
		return nil, fmt.Errorf("decode block batch: %w", err)
	}

	if uint32(len(blocks)) != resp.Count() {
		return nil, fmt.Errorf("block count mismatch: got %d, want %d", len(blocks), resp.Count())
	}

	return blocks, nil
}

// frameRequest prefixes a lookup request with its routing bytes:
// [TypeLookup][instruction][flatbuffer]. The responder answers with the
// bare response table.
func frameRequest(instruction byte, body []byte) []byte {
	msg := make([]byte, 0, 2+len(body))
	msg = append(msg, wire.TypeLookup, instruction)

	return append(msg, body...)
}

// SplitRequest strips the routing bytes off an inbound lookup request.
func SplitRequest(data []byte) (instruction byte, body []byte, err error) {
	if len(data) < 2 || data[0] != wire.TypeLookup {
		return 0, nil, fmt.Errorf("not a lookup request")
	}

	return data[1], data[2:], nil
}

// BuildBlockResponse assembles the flatbuffer a lookup answers FetchBlocks
// with. Shared with tests that fake a lookup node.
func BuildBlockResponse(reqID uint64, blocks []NumberedBlock) ([]byte, error) {
	compressed, err := EncodeBlockBatch(blocks)
	if err != nil {
		return nil, err
	}

	builder := flatbuffers.NewBuilder(len(compressed) + 64)
	dataOff := builder.CreateByteVector(compressed)

	types.BlockResponseStart(builder)
	types.BlockResponseAddRequestId(builder, reqID)
	types.BlockResponseAddData(builder, dataOff)
	types.BlockResponseAddCount(builder, uint32(len(blocks)))
	builder.Finish(types.BlockResponseEnd(builder))

	return builder.FinishedBytes(), nil
}

// requestAny tries the offline lookups first, then the seeds, returning
// the first successful response.
func (c *Client) requestAny(ctx context.Context, data []byte) ([]byte, error) {
	addrs := append(c.offline.get(), c.seeds...)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no lookup addresses configured")
	}

	var lastErr error

	for _, addr := range addrs {
		peer, err := c.dialer.Connect(addr)
		if err != nil {
			lastErr = err
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp, err := peer.Request(reqCtx, data)
		cancel()

		if err != nil {
			lastErr = err
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("all lookups failed: %w", lastErr)
}
