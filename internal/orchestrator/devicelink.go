package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/web3-authn/tatchi-sub013/internal/chain"
	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/signer"
)

// pendingCleanup is the dead-man's-switch state for one in-flight device
// link: Device1 has broadcast the AddKey and the link-mapping FunctionCall
// but is holding the DeleteKey transaction unbroadcast, waiting for Device2
// to confirm it received the new key before the window closes (spec §8
// scenario 6).
type pendingCleanup struct {
	accountID        string
	device2PublicKey string
	deleteKeyTx      signer.SignedTransaction
	confirmed        bool
	swept            bool
	sched            *cron.Cron
}

// GenerateDeviceLinkQR is Device2's half of the linkDevice flow (spec §6):
// it mints the QR payload Device1 will scan, binding Device2's own NEAR
// public key to a freshness timestamp Device1 checks against
// deviceLinkQRTTL before acting on it.
func (c *Core) GenerateDeviceLinkQR(accountID, device2PublicKey string) (*QRPayload, error) {
	if device2PublicKey == "" {
		return nil, pkerrors.MissingParameter("device2PublicKey")
	}
	return &QRPayload{
		Device2PublicKey: device2PublicKey,
		AccountID:        accountID,
		TimestampMs:      time.Now().UnixMilli(),
	}, nil
}

// LinkDeviceFromQR implements spec §6's linkDeviceFromQr: Device1, already
// logged in, scans Device2's QR and atomically signs three actions against
// its own account — AddKey for Device2's public key, a FunctionCall mapping
// Device2's key to the account in the on-chain contract, and a DeleteKey
// that revokes the same access key. Only the first two are broadcast; the
// DeleteKey is retained and scheduled as a dead-man's switch that fires if
// Device2 never confirms receipt within deviceLinkDeadManWindow.
func (c *Core) LinkDeviceFromQR(ctx context.Context, accountID string, qr QRPayload) (*LinkDeviceResult, error) {
	if accountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}
	if qr.Device2PublicKey == "" {
		return nil, pkerrors.MissingParameter("device2PublicKey")
	}
	if time.Since(time.UnixMilli(qr.TimestampMs)) > c.deviceLinkQRTTL {
		return nil, pkerrors.StaleChallenge(0, 0)
	}
	qrID := fmt.Sprintf("%s:%s:%d", accountID, qr.Device2PublicKey, qr.TimestampMs)
	if !c.challengeReplay.ValidateAndMark(qrID) {
		return nil, pkerrors.Replayed()
	}

	pub, ok := c.km.PublicKeyFor(accountID)
	if !ok {
		return nil, pkerrors.Unauthorized("account is not unlocked")
	}
	nearPub, err := cryptoprim.NearPublicKey(pub)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}

	access, err := c.chain.ViewAccessKey(ctx, accountID, nearPub)
	if err != nil {
		return nil, err
	}
	block, err := c.chain.ViewBlock(ctx, chain.WaitFinal)
	if err != nil {
		return nil, err
	}

	mappingArgs := fmt.Sprintf(`{"account_id":%q,"device_public_key":%q}`, accountID, qr.Device2PublicKey)

	requests := []signer.TxSigningRequest{
		{
			SignerID: accountID, ReceiverID: accountID, Nonce: access.Nonce + 1, BlockHash: block.Hash,
			Actions: []signer.ActionRequest{{
				Kind:      signer.ActionAddKey,
				PublicKey: qr.Device2PublicKey,
				AccessKey: &signer.AccessKeyRequest{FullAccess: true},
			}},
		},
		{
			SignerID: accountID, ReceiverID: accountID, Nonce: access.Nonce + 2, BlockHash: block.Hash,
			Actions: []signer.ActionRequest{{
				Kind:       signer.ActionFunctionCall,
				MethodName: "link_device",
				ArgsJSON:   []byte(mappingArgs),
				Gas:        "30000000000000",
				Deposit:    "0",
			}},
		},
		{
			SignerID: accountID, ReceiverID: accountID, Nonce: access.Nonce + 3, BlockHash: block.Hash,
			Actions: []signer.ActionRequest{{Kind: signer.ActionDeleteKey, PublicKey: qr.Device2PublicKey}},
		},
	}

	result, err := c.signer.SignBatch(ctx, accountID, requests, autoConfirm)
	if err != nil {
		return nil, err
	}

	for _, tx := range result.Transactions[:2] {
		if _, err := c.chain.SendTransaction(ctx, b64(tx.BorshBytes), chain.WaitExecutedOptimistic); err != nil {
			return nil, err
		}
	}

	deleteTx := result.Transactions[2]
	c.scheduleCleanup(accountID, qr.Device2PublicKey, deleteTx)

	c.logEvent("devicelink.linked", accountID)
	return &LinkDeviceResult{
		LinkedToAccount:  accountID,
		Device2PublicKey: qr.Device2PublicKey,
		CleanupSignedTx:  &deleteTx,
	}, nil
}

// ConfirmDeviceLink is Device2's signal, sent once it has durably persisted
// its new access key locally, that the dead-man's switch should stand down
// instead of revoking the key it was just granted.
func (c *Core) ConfirmDeviceLink(accountID, device2PublicKey string) {
	c.cleanupsMu.Lock()
	defer c.cleanupsMu.Unlock()
	pc, ok := c.cleanups[accountID]
	if !ok || pc.swept || pc.device2PublicKey != device2PublicKey {
		return
	}
	pc.confirmed = true
}

// scheduleCleanup registers a cron job that polls every deviceLinkPollInterval;
// on the first poll after confirmation it stands down, and on the first poll
// past deviceLinkDeadManWindow without confirmation it broadcasts the
// retained DeleteKey, revoking the access it granted Device2.
func (c *Core) scheduleCleanup(accountID, device2PublicKey string, deleteTx signer.SignedTransaction) {
	pc := &pendingCleanup{
		accountID:        accountID,
		device2PublicKey: device2PublicKey,
		deleteKeyTx:      deleteTx,
	}

	c.cleanupsMu.Lock()
	if old, exists := c.cleanups[accountID]; exists && !old.swept {
		old.swept = true
		if old.sched != nil {
			old.sched.Stop()
		}
	}
	c.cleanups[accountID] = pc
	c.cleanupsMu.Unlock()

	sched := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", c.deviceLinkPollInterval)
	deadline := time.Now().Add(c.deviceLinkDeadManWindow)

	_, err := sched.AddFunc(spec, func() { c.pollCleanup(accountID, deadline) })
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Warn("device link cleanup: failed to schedule poller")
		}
		return
	}

	c.cleanupsMu.Lock()
	pc.sched = sched
	c.cleanupsMu.Unlock()

	sched.Start()
}

func (c *Core) pollCleanup(accountID string, deadline time.Time) {
	c.cleanupsMu.Lock()
	pc, ok := c.cleanups[accountID]
	if !ok || pc.swept {
		c.cleanupsMu.Unlock()
		return
	}
	if pc.confirmed {
		pc.swept = true
		sched := pc.sched
		delete(c.cleanups, accountID)
		c.cleanupsMu.Unlock()
		c.observeCleanup("confirmed")
		if sched != nil {
			go sched.Stop()
		}
		return
	}
	if time.Now().Before(deadline) {
		c.cleanupsMu.Unlock()
		return
	}
	pc.swept = true
	sched := pc.sched
	deleteTx := pc.deleteKeyTx
	delete(c.cleanups, accountID)
	c.cleanupsMu.Unlock()

	if sched != nil {
		go sched.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.chain.SendTransaction(ctx, b64(deleteTx.BorshBytes), chain.WaitIncludedFinal); err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Warn("device link cleanup: failed to broadcast DeleteKey")
		}
		c.observeCleanup("broadcast_failed")
		return
	}
	c.observeCleanup("revoked")
	c.logEvent("devicelink.cleanup_revoked", accountID)
}

func (c *Core) observeCleanup(outcome string) {
	if c.metrics != nil {
		c.metrics.DeviceLinkCleanupTotal.WithLabelValues(outcome).Inc()
	}
}
