package worker

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/boardflow/internal/broker"
)

// attemptOf reads the 1-based attempt number from the delivery metadata.
// Messages published by the ingress carry no attempt marker yet; they are the
// first attempt.
func attemptOf(msg *message.Message) int {
	raw := msg.Metadata.Get(broker.MetadataKeyAttempt)
	if raw == "" {
		return 1
	}
	attempt, err := strconv.Atoi(raw)
	if err != nil || attempt < 1 {
		return 1
	}
	return attempt
}

func setAttempt(msg *message.Message, attempt int) {
	msg.Metadata.Set(broker.MetadataKeyAttempt, strconv.Itoa(attempt))
}

func copyMetadata(src message.Metadata) message.Metadata {
	dst := make(message.Metadata, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// backoffDelay doubles the initial interval per failed attempt, capped at the
// configured maximum.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	if max > 0 && max < initial {
		max = initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
