package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/DoyleJ11/moonshot/internal/journal"
	"github.com/DoyleJ11/moonshot/internal/server"
	"github.com/DoyleJ11/moonshot/internal/wire"
)

// maxTurnsPerRequest bounds one /turns query.
const maxTurnsPerRequest = 1000

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Status(status func() server.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status())
	}
}

type actionView struct {
	Type string            `json:"type"`
	Data wire.PlayerAction `json:"data"`
}

type turnView struct {
	Number  uint32       `json:"number"`
	Actions []actionView `json:"actions"`
}

func toTurnView(t wire.ServerTurn) turnView {
	v := turnView{Number: t.Number, Actions: make([]actionView, 0, len(t.Actions))}
	for _, a := range t.Actions {
		v.Actions = append(v.Actions, actionView{Type: wire.ActionName(a), Data: a})
	}
	return v
}

// Turns serves journaled turns for replay and debugging:
// GET /turns?from=N&to=M (inclusive, to defaults to from).
func Turns(j journal.Journal, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := parseTurn(r, "from", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		to, err := parseTurn(r, "to", from)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if to < from {
			http.Error(w, "to must not be before from", http.StatusBadRequest)
			return
		}
		if to-from >= maxTurnsPerRequest {
			to = from + maxTurnsPerRequest - 1
		}

		turns, err := j.Range(r.Context(), from, to)
		if err != nil {
			if errors.Is(err, journal.ErrClosed) {
				http.Error(w, "journal closed", http.StatusServiceUnavailable)
				return
			}
			log.Warn("reading journal", zap.Uint32("from", from), zap.Uint32("to", to), zap.Error(err))
			http.Error(w, "failed to read journal", http.StatusInternalServerError)
			return
		}

		out := make([]turnView, 0, len(turns))
		for _, t := range turns {
			out = append(out, toTurnView(t))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func parseTurn(r *http.Request, key string, def uint32) (uint32, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %q", key, s)
	}
	return uint32(n), nil
}
