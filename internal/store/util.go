package store

import (
	"encoding/json"

	"github.com/google/uuid"

	"chatcore/internal/model"
)

func parseMemberID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func marshalInvitation(inv model.RcvFileInvitation) (string, error) {
	b, err := json.Marshal(inv)
	return string(b), err
}

func unmarshalInvitation(s string) (model.RcvFileInvitation, error) {
	var inv model.RcvFileInvitation
	err := json.Unmarshal([]byte(s), &inv)
	return inv, err
}
