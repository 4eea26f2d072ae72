package node

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/params"
)

const (
	apiReadHeaderTimeout = 5 * time.Second
	apiShutdownTimeout   = 5 * time.Second
	apiMaxBodyBytes      = 1 << 20

	wsReadBuffer   = 1024
	wsWriteBuffer  = 1024
	wsWriteTimeout = 10 * time.Second
)

// apiServer serves the wallet and operator surface over HTTP: balances,
// blocks, transactions, the emission position, reputation scores and a
// websocket head stream. Submission endpoints answer Accepted or Rejected
// synchronously; HTTP error codes are reserved for malformed requests and
// for queries against a chain that does not exist yet.
type apiServer struct {
	node     *Node
	addr     string
	cors     []string
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server

	quit chan struct{}
	wg   sync.WaitGroup
}

func newAPIServer(n *Node, addr string, corsOrigins []string) *apiServer {
	s := &apiServer{
		node: n,
		addr: addr,
		cors: corsOrigins,
		quit: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Start binds the listener and begins serving. Implements Lifecycle.
func (s *apiServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	var handler http.Handler = s.routes()
	if len(s.cors) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: s.cors,
			AllowedMethods: []string{http.MethodPost, http.MethodGet},
			MaxAge:         600,
			AllowedHeaders: []string{"*"},
		})
		handler = c.Handler(handler)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: apiReadHeaderTimeout}

	s.mu.Lock()
	s.listener, s.srv = listener, srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP API serve failed", "err", err)
		}
	}()
	log.Info("HTTP API started", "endpoint", "http://"+listener.Addr().String())
	return nil
}

// Stop shuts the server down and waits for the head streams to finish.
// Implements Lifecycle.
func (s *apiServer) Stop() error {
	s.mu.Lock()
	srv, listener := s.srv, s.listener
	s.srv, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	close(s.quit)

	ctx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	log.Info("HTTP API stopped", "endpoint", "http://"+listener.Addr().String())
	return err
}

// endpoint returns the bound address, empty before Start.
func (s *apiServer) endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) routes() http.Handler {
	r := httprouter.New()
	r.GET("/balance/:addr", s.balance)
	r.GET("/block/height/:height", s.blockByHeight)
	r.GET("/block/hash/:hash", s.blockByHash)
	r.GET("/tx/:id", s.transaction)
	r.POST("/tx", s.submitTx)
	r.GET("/emission", s.emission)
	r.GET("/reputation/:addr", s.reputationOf)
	r.POST("/admin/burn", s.submitBurn)
	r.POST("/faucet", s.submitFaucet)
	r.GET("/node/status", s.status)
	r.GET("/ws/heads", s.streamHeads)
	return r
}

// checkOrigin admits websocket upgrades without an Origin header, browsers
// only pass when the configured origins allow them.
func (s *apiServer) checkOrigin(r *http.Request) bool {
	if _, ok := r.Header["Origin"]; !ok {
		return true
	}
	origin := strings.ToLower(r.Header.Get("Origin"))
	for _, allowed := range s.cors {
		if allowed == "*" || strings.ToLower(allowed) == origin {
			return true
		}
	}
	log.Warn("Rejected websocket connection", "origin", origin)
	return false
}

type errorResponse struct {
	Error string `json:"error"`
}

type balanceResponse struct {
	Address common.Address `json:"address"`
	Balance string         `json:"balance"`
	Nonce   string         `json:"nonce"`
}

type txResponse struct {
	Transaction   *types.Transaction `json:"transaction"`
	BlockHeight   string             `json:"blockHeight,omitempty"`
	Confirmations string             `json:"confirmations"`
	Pending       bool               `json:"pending,omitempty"`
}

type submitResponse struct {
	Status string       `json:"status"`
	ID     *common.Hash `json:"id,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

type emissionResponse struct {
	Reward   string       `json:"reward"`
	Split    params.Split `json:"split"`
	Halvings string       `json:"halvings"`
}

type reputationResponse struct {
	Address    common.Address `json:"address"`
	Score      float64        `json:"score"`
	Multiplier float64        `json:"multiplier"`
	Tier       int            `json:"tier"`
}

type roundStatus struct {
	Height     string         `json:"height"`
	Attempt    uint64         `json:"attempt"`
	Phase      string         `json:"phase"`
	Proposer   common.Address `json:"proposer"`
	Validators int            `json:"validators"`
	Quorum     int            `json:"quorum"`
}

type statusResponse struct {
	NetworkID string       `json:"networkId"`
	Role      string       `json:"role"`
	Pioneer   bool         `json:"pioneer"`
	Formed    bool         `json:"formed"`
	Bootstrap string       `json:"bootstrap,omitempty"`
	Height    string       `json:"height,omitempty"`
	TipHash   *common.Hash `json:"tipHash,omitempty"`
	Peers     int          `json:"peers"`
	Round     *roundStatus `json:"round,omitempty"`
}

func (s *apiServer) balance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chain := s.node.BlockChain()
	if chain == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not ready")
		return
	}
	addr, err := common.ParseAddress(ps.ByName("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &balanceResponse{
		Address: addr,
		Balance: hexBig(chain.BalanceOf(addr)),
		Nonce:   hexUint(chain.NonceOf(addr)),
	})
}

func (s *apiServer) blockByHeight(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chain := s.node.BlockChain()
	if chain == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not ready")
		return
	}
	height, err := parseUint(ps.ByName("height"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid height: %v", err))
		return
	}
	block := chain.GetBlockByHeight(height)
	if block == nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *apiServer) blockByHash(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chain := s.node.BlockChain()
	if chain == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not ready")
		return
	}
	hash, err := parseHash(ps.ByName("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid hash: %v", err))
		return
	}
	block := chain.GetBlockByHash(hash)
	if block == nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// transaction serves committed transactions with their confirmation depth
// and falls back to the pool for pending ones.
func (s *apiServer) transaction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chain := s.node.BlockChain()
	if chain == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not ready")
		return
	}
	hash, err := parseHash(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid transaction id: %v", err))
		return
	}
	if tx, height, confirmations := chain.GetTransaction(hash); tx != nil {
		writeJSON(w, http.StatusOK, &txResponse{
			Transaction:   tx,
			BlockHeight:   hexUint(height),
			Confirmations: hexUint(confirmations),
		})
		return
	}
	if pool := s.node.TxPool(); pool != nil {
		if tx := pool.Get(hash); tx != nil {
			writeJSON(w, http.StatusOK, &txResponse{
				Transaction:   tx,
				Confirmations: "0x0",
				Pending:       true,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "transaction not found")
}

func (s *apiServer) submitTx(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.submit(w, r, 0, true)
}

func (s *apiServer) submitBurn(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.submit(w, r, types.TxVoluntaryBurn, false)
}

func (s *apiServer) submitFaucet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.node.config.Chain.FaucetEnabled {
		writeError(w, http.StatusNotFound, "faucet not enabled on this network")
		return
	}
	s.submit(w, r, types.TxFaucetMint, false)
}

// submit decodes a sealed transaction, pins the tag on the dedicated
// endpoints and runs it through the pool. Pool rejections are protocol
// answers, not transport errors.
func (s *apiServer) submit(w http.ResponseWriter, r *http.Request, want types.TxTag, anyTag bool) {
	pool := s.node.TxPool()
	if pool == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not ready")
		return
	}
	var tx types.Transaction
	body := http.MaxBytesReader(w, r.Body, apiMaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid transaction: %v", err))
		return
	}
	if !anyTag && tx.Tag() != want {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("endpoint accepts %q transactions, got %q", want, tx.Tag()))
		return
	}
	if err := pool.Add(&tx); err != nil {
		writeJSON(w, http.StatusOK, &submitResponse{Status: "Rejected", Reason: err.Error()})
		return
	}
	if srv := s.node.Server(); srv != nil {
		srv.BroadcastTransactions(types.Transactions{&tx})
	}
	id := tx.Hash()
	writeJSON(w, http.StatusOK, &submitResponse{Status: "Accepted", ID: &id})
}

func (s *apiServer) emission(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	chain := s.node.BlockChain()
	if chain == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not ready")
		return
	}
	st := chain.EmissionState()
	writeJSON(w, http.StatusOK, &emissionResponse{
		Reward:   hexBig(st.RewardNow),
		Split:    st.Split,
		Halvings: hexUint(st.HalvingsElapsed),
	})
}

func (s *apiServer) reputationOf(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chain := s.node.BlockChain()
	if chain == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not ready")
		return
	}
	addr, err := common.ParseAddress(ps.ByName("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scores := chain.Reputation()
	now := uint64(time.Now().UnixMilli())
	writeJSON(w, http.StatusOK, &reputationResponse{
		Address:    addr,
		Score:      scores.EffectiveScore(addr, now),
		Multiplier: scores.Multiplier(addr, now),
		Tier:       scores.Tier(addr, now),
	})
}

// status reports whichever phase the node is in: the bootstrap position
// before the network forms, the tip and the live round after.
func (s *apiServer) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n := s.node
	resp := &statusResponse{
		NetworkID: n.config.Chain.NetworkID,
		Role:      n.config.role().String(),
		Pioneer:   n.config.Pioneer,
	}
	if srv := n.Server(); srv != nil {
		resp.Peers = srv.PeerCount()
	}
	if chain := n.BlockChain(); chain != nil {
		resp.Formed = true
		tip := chain.CurrentBlock()
		resp.Height = hexUint(tip.Height())
		hash := tip.Hash()
		resp.TipHash = &hash
	} else if boot := n.bootManager(); boot != nil {
		resp.Bootstrap = boot.State().String()
	} else {
		resp.Bootstrap = "waiting"
	}
	if engine := n.Engine(); engine != nil {
		round := engine.CurrentRound()
		resp.Round = &roundStatus{
			Height:     hexUint(round.Height),
			Attempt:    round.Attempt,
			Phase:      round.Phase.String(),
			Proposer:   round.Proposer,
			Validators: round.Validators,
			Quorum:     round.Quorum,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamHeads upgrades the connection and pushes every committed block as
// one JSON frame. The stream is one-way; client frames are discarded and a
// read error tears the stream down.
func (s *apiServer) streamHeads(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	chain := s.node.BlockChain()
	if chain == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not ready")
		return
	}
	select {
	case <-s.quit:
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	default:
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("Websocket upgrade failed", "err", err)
		return
	}
	done := make(chan struct{})
	s.wg.Add(1)
	go s.writeHeads(conn, chain, done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(done)
			return
		}
	}
}

func (s *apiServer) writeHeads(conn *websocket.Conn, chain *core.BlockChain, done chan struct{}) {
	defer s.wg.Done()
	defer conn.Close()

	heads := make(chan core.ChainHeadEvent, 16)
	sub := chain.SubscribeChainHeadEvent(heads)
	defer sub.Unsubscribe()

	for {
		select {
		case ev := <-heads:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev.Block); err != nil {
				return
			}
		case <-done:
			return
		case <-s.quit:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "node shutting down"))
			return
		case <-sub.Err():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("API response write failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &errorResponse{Error: msg})
}

func hexBig(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

func hexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// parseUint accepts a plain decimal or 0x-prefixed hex quantity.
func parseUint(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseHash(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("hash must be %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
