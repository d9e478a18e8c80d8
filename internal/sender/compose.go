package sender

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/waitlist"
)

// ErrNoOutbox 条目未绑定发件箱
var ErrNoOutbox = errors.New("compose: outbox is missing")

// Compose 生成 MIME 邮件
//
// 正文为 HTML（quoted-printable），有附件时使用 multipart/mixed；密送地址只出现在信封中
func Compose(meta *waitlist.SendItemMeta, now time.Time) ([]byte, error) {
	ob := meta.Outbox
	if ob == nil {
		return nil, ErrNoOutbox
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Name: ob.Name, Address: ob.Email}})
	h.SetAddressList("To", addressList(meta.Inboxes))
	if len(meta.CC) > 0 {
		h.SetAddressList("Cc", addressList(meta.CC))
	}
	if len(meta.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", addressList(meta.ReplyTo))
	}
	h.SetSubject(meta.Subject)
	h.SetDate(now)
	h.SetMessageID(uuid.NewString() + "@" + messageIDHost(ob.Email))
	h.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	if len(meta.Attachments) == 0 {
		setHTMLBody(&h.Header)
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}
		if err := writeAndClose(w, []byte(meta.Body)); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	var bh mail.InlineHeader
	setHTMLBody(&bh.Header)
	body, err := mw.CreateSingleInline(bh)
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	if err := writeAndClose(body, []byte(meta.Body)); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	for _, att := range meta.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

func setHTMLBody(h *message.Header) {
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
}

func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

func messageIDHost(email string) string {
	if d := domain.EmailDomain(email); d != "" {
		return d
	}
	return "localhost"
}

func writeAndClose(w io.WriteCloser, data []byte) error {
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, att domain.Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var h mail.AttachmentHeader
	h.SetContentType(contentType, map[string]string{"name": att.FileName})
	if h.Get("Content-Type") == "" {
		h.SetContentType("application/octet-stream", map[string]string{"name": att.FileName})
	}
	h.SetFilename(att.FileName)
	h.Set("Content-Transfer-Encoding", "base64")

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}
	if err := writeAndClose(w, att.Content); err != nil {
		return fmt.Errorf("encode attachment %s: %w", att.FileName, err)
	}
	return nil
}
