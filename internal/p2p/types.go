package p2p

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/peerbet/agent/internal/commitment"
)

// ProtocolVersion is advertised by /p2p/info and carried on outbound requests.
const ProtocolVersion = "1.1.0"

// InfoResponse answers GET /p2p/info.
type InfoResponse struct {
	Address    common.Address `json:"address"`
	Endpoint   string         `json:"endpoint"`
	PubkeyHash common.Hash    `json:"pubkeyHash"`
	Version    string         `json:"version"`
	Uptime     float64        `json:"uptime"` // seconds
}

// HealthResponse answers GET /p2p/health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

// ProposalRequest is a maker's bilateral bet proposal. The blob is the
// gzipped canonical JSON of the trade list; the taker rebuilds the set and
// recomputes the root before countersigning.
type ProposalRequest struct {
	Commitment       *commitment.BetCommitment `json:"commitment"`
	CreatorSignature hexutil.Bytes             `json:"creatorSignature"`
	SnapshotID       string                    `json:"snapshotId"`
	TradeCount       int                       `json:"tradeCount"`
	TradesBlob       hexutil.Bytes             `json:"tradesBlob"`
}

// ProposalResponse carries the taker's decision. Signature and Signer are set
// only when Accepted.
type ProposalResponse struct {
	Accepted  bool           `json:"accepted"`
	Signature hexutil.Bytes  `json:"signature,omitempty"`
	Signer    common.Address `json:"signer,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// BetCommittedNotification tells the filler the bet landed on-chain.
type BetCommittedNotification struct {
	BetID      uint64         `json:"betId"`
	TradesRoot common.Hash    `json:"tradesRoot"`
	Creator    common.Address `json:"creator"`
	Filler     common.Address `json:"filler"`
	TxHash     common.Hash    `json:"txHash"`
	Expiry     uint64         `json:"expiry"`
}

// AckResponse acknowledges a notification.
type AckResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	Reason       string `json:"reason,omitempty"`
}

// TradesPush is an authenticated out-of-band push of a trade blob.
type TradesPush struct {
	BetID     uint64         `json:"betId"`
	Blob      hexutil.Bytes  `json:"blob"`
	Signer    common.Address `json:"signer"`
	Signature hexutil.Bytes  `json:"signature"`
	Expiry    uint64         `json:"expiry"`
}

// Digest is the signed payload of a TradesPush: the bet id bound to the
// exact blob bytes and the expiry, so a captured push cannot be replayed
// against another bet or after expiry.
func (p *TradesPush) Digest() common.Hash {
	return crypto.Keccak256Hash(
		[]byte(fmt.Sprintf("trades-push:%d:%d:", p.BetID, p.Expiry)),
		crypto.Keccak256(p.Blob),
	)
}

// SettlementProposal carries one side's computed outcome and its signature
// over the settlement agreement.
type SettlementProposal struct {
	BetID     uint64                          `json:"betId"`
	Agreement *commitment.SettlementAgreement `json:"agreement"`
	Signature hexutil.Bytes                   `json:"signature"`
	Signer    common.Address                  `json:"signer"`
}

// SettlementResponse is the counterparty's verdict. On "agree" it carries the
// counterparty's signature over the same agreement; on "disagree" it carries
// the outcome the counterparty computed instead.
type SettlementResponse struct {
	Status    string                          `json:"status"` // "agree" | "disagree"
	Signature hexutil.Bytes                   `json:"signature,omitempty"`
	Outcome   *commitment.SettlementAgreement `json:"ourOutcome,omitempty"`
}

// SettlementStatus answers GET /p2p/settlement/:betId with the local view.
type SettlementStatus struct {
	BetID       uint64         `json:"betId"`
	State       string         `json:"state"`
	Winner      common.Address `json:"winner,omitempty"`
	WinsCount   uint64         `json:"winsCount"`
	ValidTrades uint64         `json:"validTrades"`
	IsTie       bool           `json:"isTie"`
	Resolved    bool           `json:"resolved"`
}

// CommitmentSignRequest asks a peer to co-sign a fully specified commitment.
type CommitmentSignRequest struct {
	Commitment       *commitment.BetCommitment `json:"commitment"`
	CreatorSignature hexutil.Bytes             `json:"creatorSignature"`
}

// ErrorResponse is the uniform error body for every route.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// tradesRequestDigest is the payload signed for authenticated trade pulls:
// the requested bet id bound to the caller-supplied timestamp.
func tradesRequestDigest(betID uint64, timestamp string) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("trades-pull:%d:%s", betID, timestamp)))
}
