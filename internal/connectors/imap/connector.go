package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"skyplanner/internal"
	"skyplanner/internal/config"
)

// sheetExtensions mirrors the attachment types the mail importer can parse.
var sheetExtensions = map[string]bool{
	".xlsx": true, ".xlsm": true, ".csv": true, ".html": true, ".htm": true, ".pdf": true,
}

type Connector struct {
	addr       string
	serverName string
	secure     bool
	user       string
	password   string
	markSeen   bool
}

func NewConnector(cfg config.Config) (*Connector, error) {
	if err := cfg.Require("IMAP_HOST", cfg.IMAPHost); err != nil {
		return nil, err
	}
	if err := cfg.Require("IMAP_USER", cfg.IMAPUser); err != nil {
		return nil, err
	}
	if err := cfg.Require("IMAP_PASSWORD", cfg.IMAPPassword); err != nil {
		return nil, err
	}

	return &Connector{
		addr:       fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort),
		serverName: cfg.IMAPHost,
		secure:     cfg.IMAPSecure,
		user:       cfg.IMAPUser,
		password:   cfg.IMAPPassword,
		markSeen:   cfg.IMAPMarkSeen,
	}, nil
}

// candidate is a message whose body structure names at least one sheet attachment.
type candidate struct {
	uid      uint32
	envelope *imap.Envelope
	received time.Time
}

// FetchInbox downloads unread messages in the mailbox that carry a sheet attachment.
// Body structures are inspected first so other mail is never downloaded.
func (c *Connector) FetchInbox(ctx context.Context, mailbox string, max int) ([]internal.FetchedMailMessage, error) {
	client, err := c.open(mailbox)
	if err != nil {
		return nil, err
	}
	defer client.Logout()

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", mailbox, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	candidates, err := listCandidates(ctx, client, uids)
	if err != nil {
		return nil, err
	}
	if len(candidates) > max {
		candidates = candidates[len(candidates)-max:]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	out, err := downloadCandidates(ctx, client, candidates)
	if err != nil {
		return nil, err
	}

	if c.markSeen && len(out) > 0 {
		seen := new(imap.SeqSet)
		for _, cand := range candidates {
			seen.AddNum(cand.uid)
		}
		flags := []interface{}{imap.SeenFlag}
		if err := client.UidStore(seen, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return nil, fmt.Errorf("mark seen: %w", err)
		}
	}
	return out, nil
}

func (c *Connector) open(mailbox string) (*imapclient.Client, error) {
	var client *imapclient.Client
	var err error
	if c.secure {
		client, err = imapclient.DialTLS(c.addr, &tls.Config{ServerName: c.serverName})
	} else {
		client, err = imapclient.Dial(c.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if err := client.Login(c.user, c.password); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("login: %w", err)
	}
	if _, err := client.Select(mailbox, false); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("select %s: %w", mailbox, err)
	}
	return client, nil
}

func listCandidates(ctx context.Context, client *imapclient.Client, uids []uint32) ([]candidate, error) {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchBodyStructure}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- client.UidFetch(set, items, messages) }()

	var out []candidate
	for msg := range messages {
		if msg == nil || ctx.Err() != nil {
			continue
		}
		if len(SheetAttachments(msg.BodyStructure)) == 0 {
			continue
		}
		out = append(out, candidate{uid: msg.Uid, envelope: msg.Envelope, received: msg.InternalDate})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch body structures: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uid < out[j].uid })
	return out, nil
}

func downloadCandidates(ctx context.Context, client *imapclient.Client, candidates []candidate) ([]internal.FetchedMailMessage, error) {
	byUID := make(map[uint32]candidate, len(candidates))
	set := new(imap.SeqSet)
	for _, cand := range candidates {
		byUID[cand.uid] = cand
		set.AddNum(cand.uid)
	}

	// PEEK leaves \Seen alone; marking is a separate, optional step.
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, len(candidates))
	done := make(chan error, 1)
	go func() { done <- client.UidFetch(set, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages) }()

	out := make([]internal.FetchedMailMessage, 0, len(candidates))
	var readErr error
	for msg := range messages {
		if msg == nil || ctx.Err() != nil || readErr != nil {
			continue
		}
		cand, ok := byUID[msg.Uid]
		body := msg.GetBody(section)
		if !ok || body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			readErr = fmt.Errorf("read message %d: %w", msg.Uid, err)
			continue
		}
		out = append(out, toFetched(cand, raw))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func toFetched(cand candidate, raw []byte) internal.FetchedMailMessage {
	msg := internal.FetchedMailMessage{Provider: "imap", Raw: raw}
	if env := cand.envelope; env != nil {
		msg.MessageID = env.MessageId
		msg.Subject = env.Subject
		msg.From = formatAddresses(env.From)
	}
	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("imap-%d", cand.uid)
	}
	received := cand.received
	if received.IsZero() {
		received = time.Now()
	}
	msg.ReceivedAt = received.UTC().Format(time.RFC3339)
	return msg
}

// SheetAttachments returns the file names of parts an import could parse.
func SheetAttachments(bs *imap.BodyStructure) []string {
	if bs == nil {
		return nil
	}
	var names []string
	bs.Walk(func(_ []int, part *imap.BodyStructure) bool {
		if len(part.Parts) > 0 {
			return true
		}
		name, err := part.Filename()
		if err != nil || name == "" {
			return false
		}
		if sheetExtensions[strings.ToLower(filepath.Ext(name))] {
			names = append(names, name)
		}
		return false
	})
	return names
}

func formatAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		email := a.Address()
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.PersonalName, email))
		} else {
			parts = append(parts, email)
		}
	}
	return strings.Join(parts, ", ")
}
