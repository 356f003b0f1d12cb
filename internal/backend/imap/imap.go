// Package imap adapts an IMAP mailbox to the backend interface using
// go-imap v2. One connection is held for the whole run; mailboxes are
// re-selected as operations move between folders.
package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	gosync "sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
)

func init() {
	backend.Register("imap", func(ctx context.Context, account string, cfg model.BackendConfig) (backend.Backend, error) {
		return Open(ctx, account, cfg)
	})
}

// Client is an IMAP-backed mailbox store.
type Client struct {
	mu       gosync.Mutex
	client   *imapclient.Client
	selected string

	// uids maps folder and identity to the message's current UID.
	// Rebuilt by ListEnvelopes; mutations keep it current within a
	// run.
	uids map[string]map[model.Identity]imap.UID
}

// Open dials the configured server and authenticates with the
// password stored under the account's keyring key.
func Open(_ context.Context, account string, cfg model.BackendConfig) (*Client, error) {
	password, err := credential.Get(cfg.PasswordKey)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", account, err)
	}

	port := cfg.Port
	if port == "" {
		if cfg.TLS {
			port = "993"
		} else {
			port = "143"
		}
	}
	addr := cfg.Host + ":" + port

	var client *imapclient.Client
	if cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, backend.RetryableError("dial", fmt.Errorf("connecting to %s: %w", addr, err))
	}

	if err := client.Login(cfg.Login, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, backend.FatalError("login",
			fmt.Errorf("authentication failed for %s: %w", cfg.Login, err))
	}

	return &Client{
		client: client,
		uids:   map[string]map[model.Identity]imap.UID{},
	}, nil
}

func (c *Client) Name() string { return "imap" }

// classify wraps an IMAP command error with its retry class. Network
// failures are worth one retry; server NO/BAD responses are not.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return backend.RetryableError(op, err)
	}
	return backend.FatalError(op, err)
}

// selectFolder switches the selected mailbox when needed. The caller
// holds the mutex.
func (c *Client) selectFolder(folder string) error {
	if c.selected == folder {
		return nil
	}
	if _, err := c.client.Select(folder, nil).Wait(); err != nil {
		c.selected = ""
		return backend.FatalError("select", fmt.Errorf("%s: %w: %v", folder, backend.ErrNotFound, err))
	}
	c.selected = folder
	return nil
}

func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	boxes, err := c.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, classify("list", err)
	}

	var names []string
	for _, box := range boxes {
		selectable := true
		for _, attr := range box.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				selectable = false
				break
			}
		}
		if selectable {
			names = append(names, box.Mailbox)
		}
	}
	return names, nil
}

func (c *Client) CreateFolder(ctx context.Context, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.client.Create(folder, nil).Wait()
	if err == nil {
		return nil
	}
	// Racing creators are fine; the folder existing is the goal.
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeAlreadyExists {
		return nil
	}
	return classify("create", err)
}

func (c *Client) DeleteFolder(ctx context.Context, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.selected == folder {
		// Deleting the selected mailbox is rejected by some servers.
		_ = c.client.Unselect().Wait()
		c.selected = ""
	}
	if err := c.client.Delete(folder).Wait(); err != nil {
		return classify("delete", err)
	}
	delete(c.uids, folder)
	return nil
}

func (c *Client) ListEnvelopes(ctx context.Context, folder string) ([]model.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	data, err := c.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, classify("search", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		c.uids[folder] = map[model.Identity]imap.UID{}
		return nil, nil
	}

	fetchCmd := c.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})
	defer fetchCmd.Close()

	index := map[model.Identity]imap.UID{}
	var envs []model.Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		env := envelopeFromBuffer(buf)
		if env.Identity == "" {
			continue
		}
		index[env.Identity] = buf.UID
		envs = append(envs, env)
	}
	if err := fetchCmd.Close(); err != nil {
		return envs, classify("fetch", err)
	}

	c.uids[folder] = index
	return envs, nil
}

func (c *Client) PeekMessage(ctx context.Context, folder string, id model.Identity) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	uid, err := c.lookupUID(folder, id)
	if err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, backend.FatalError("peek", fmt.Errorf("%s in %s: %w", id, folder, backend.ErrNotFound))
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, classify("peek", err)
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, backend.FatalError("peek", fmt.Errorf("%s in %s: empty body section", id, folder))
	}
	if err := fetchCmd.Close(); err != nil {
		return raw, classify("peek", err)
	}
	return raw, nil
}

func (c *Client) AddMessage(ctx context.Context, folder string, raw []byte, flags model.FlagSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	appendCmd := c.client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: toIMAPFlags(flags),
	})
	if _, err := appendCmd.Write(raw); err != nil {
		_ = appendCmd.Close()
		return classify("append", err)
	}
	if err := appendCmd.Close(); err != nil {
		return classify("append", err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return classify("append", err)
	}

	// Replacement semantics: a previous message with the same
	// identity gives way to the one just stored.
	id := identityFromRaw(raw)
	if old, ok := c.uids[folder][id]; ok {
		if err := c.expungeUID(folder, old); err != nil {
			return err
		}
	}
	delete(c.uids, folder)
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, folder string, id model.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.selectFolder(folder); err != nil {
		return err
	}

	uid, err := c.lookupUID(folder, id)
	if err != nil {
		return err
	}
	if err := c.expungeUID(folder, uid); err != nil {
		return err
	}
	delete(c.uids[folder], id)
	return nil
}

func (c *Client) SetFlags(ctx context.Context, folder string, id model.Identity, flags model.FlagSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.selectFolder(folder); err != nil {
		return err
	}

	uid, err := c.lookupUID(folder, id)
	if err != nil {
		return err
	}

	storeCmd := c.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsSet,
		Silent: true,
		Flags:  toIMAPFlags(flags),
	}, nil)
	return classify("store", storeCmd.Close())
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Logout().Wait()
	c.client = nil
	return err
}

// lookupUID resolves an identity within a folder, re-listing when the
// index has no entry yet. The caller holds the mutex and has the
// folder selected.
func (c *Client) lookupUID(folder string, id model.Identity) (imap.UID, error) {
	if uid, ok := c.uids[folder][id]; ok {
		return uid, nil
	}

	data, err := c.client.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: string(id)}},
	}, nil).Wait()
	if err != nil {
		return 0, classify("search", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return 0, backend.FatalError("lookup", fmt.Errorf("%s in %s: %w", id, folder, backend.ErrNotFound))
	}
	if c.uids[folder] == nil {
		c.uids[folder] = map[model.Identity]imap.UID{}
	}
	c.uids[folder][id] = uids[0]
	return uids[0], nil
}

// expungeUID marks one message deleted and expunges just that UID, so
// unrelated messages carrying the deleted flag stay put.
func (c *Client) expungeUID(folder string, uid imap.UID) error {
	if err := c.selectFolder(folder); err != nil {
		return err
	}
	set := imap.UIDSetNum(uid)
	storeCmd := c.client.Store(set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return classify("store", err)
	}
	if err := c.client.UIDExpunge(set).Close(); err != nil {
		return classify("expunge", err)
	}
	return nil
}

// envelopeFromBuffer maps one fetched message onto the neutral
// envelope form.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) model.Envelope {
	var env model.Envelope
	env.InternalID = fmt.Sprintf("%d", buf.UID)
	env.Flags = fromIMAPFlags(buf.Flags)

	if buf.Envelope == nil {
		return env
	}
	env.Date = buf.Envelope.Date

	var from string
	if len(buf.Envelope.From) > 0 {
		from = buf.Envelope.From[0].Addr()
	}

	env.Identity = backend.NormalizeMessageID(buf.Envelope.MessageID)
	if env.Identity == "" {
		env.Identity = backend.FallbackIdentity(buf.Envelope.Subject, from, buf.Envelope.Date)
	}
	env.ContentHash = backend.HashEnvelope(env.Identity, buf.Envelope.Subject, from, buf.Envelope.Date)
	return env
}
