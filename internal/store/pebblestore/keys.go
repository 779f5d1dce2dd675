package pebblestore

import (
	"fmt"

	"github.com/messenger-platform/messaging-service/internal/model"
)

// Key layout. Segments are separated by ":" and sequence segments are zero padded so that
// lexicographic order equals numeric order.
const (
	userKey         = "u:%s"        // u:<user_key>
	userOrderKey    = "ui:%020d"    // ui:<registration_seq> -> user_key
	summaryKey      = "c:%s:%s"     // c:<owner>:<conversation_id>
	summaryPrefix   = "c:%s:"       // c:<owner>:
	peerKey         = "cp:%s:%s"    // cp:<owner>:<counterparty> -> conversation_id
	messageKey      = "m:%s:%020d"  // m:<conversation_id>:<seq>
	messagePrefix   = "m:%s:"       // m:<conversation_id>:
	pendingKey      = "o:%s"        // o:<pending_id>
	userSeqKey      = "seq:u"       // registration counter
	positionSeqKey  = "seq:c:%s"    // seq:c:<owner>
	messageSeqKey   = "seq:m:%s"    // seq:m:<conversation_id>
	userOrderPrefix = "ui:"
	pendingPrefix   = "o:"
)

func fmtUser(key model.UserKey) []byte { return []byte(fmt.Sprintf(userKey, key)) }

func fmtUserOrder(seq uint64) []byte { return []byte(fmt.Sprintf(userOrderKey, seq)) }

func fmtSummary(owner model.UserKey, id string) []byte {
	return []byte(fmt.Sprintf(summaryKey, owner, id))
}

func fmtSummaryPrefix(owner model.UserKey) []byte {
	return []byte(fmt.Sprintf(summaryPrefix, owner))
}

func fmtPeer(owner, counterparty model.UserKey) []byte {
	return []byte(fmt.Sprintf(peerKey, owner, counterparty))
}

func fmtMessage(conversationID string, seq uint64) []byte {
	return []byte(fmt.Sprintf(messageKey, conversationID, seq))
}

func fmtMessagePrefix(conversationID string) []byte {
	return []byte(fmt.Sprintf(messagePrefix, conversationID))
}

func fmtPending(id string) []byte { return []byte(fmt.Sprintf(pendingKey, id)) }

func fmtPositionSeq(owner model.UserKey) []byte {
	return []byte(fmt.Sprintf(positionSeqKey, owner))
}

func fmtMessageSeq(conversationID string) []byte {
	return []byte(fmt.Sprintf(messageSeqKey, conversationID))
}

// prefixUpperBound returns the smallest key greater than every key with the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
