package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"bulkmail/backend/internal/domain"
)

// ParsedEmail 解析后的邮件
type ParsedEmail struct {
	MessageID   string
	Subject     string
	From        string
	FromName    string
	To          []string
	Cc          []string
	ReplyTo     []string
	Bcc         []string // 正常投递的邮件不应带有此头
	Text        string
	HTML        string
	Attachments []domain.Attachment
}

// ParseEmail 解析邮件，提取头部、正文和附件
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		MessageID: strings.Trim(msg.Header.Get("Message-Id"), "<>"),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		To:        addressList(msg.Header, "To"),
		Cc:        addressList(msg.Header, "Cc"),
		ReplyTo:   addressList(msg.Header, "Reply-To"),
		Bcc:       addressList(msg.Header, "Bcc"),
	}

	if from, err := addressParser.Parse(msg.Header.Get("From")); err == nil {
		parsed.From = strings.ToLower(from.Address)
		parsed.FromName = from.Name
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 时按纯文本处理
		body, _ := io.ReadAll(msg.Body)
		parsed.Text = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = string(body)
	} else {
		parsed.Text = string(body)
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		// NextRawPart 不会自动解码 quoted-printable，编码统一由 decodeBody 处理
		part, err := mr.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}
		cte := part.Header.Get("Content-Transfer-Encoding")

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			filename := dispParams["filename"]
			if filename == "" {
				filename = params["name"]
			}
			// 不带文件名的 inline 文本部分是正文
			isAttachment := dispType == "attachment" ||
				(dispType == "inline" && (filename != "" || !strings.HasPrefix(mediaType, "text/")))
			if isAttachment {
				if filename == "" {
					filename = "unnamed"
				}

				content, err := decodeBody(part, cte, "")
				if err != nil {
					continue
				}
				parsed.Attachments = append(parsed.Attachments, domain.Attachment{
					FileName:    decodeHeader(filename),
					ContentType: mediaType,
					Content:     content,
				})
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, cte, params["charset"])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(mediaType, "text/html") && parsed.HTML == "":
			parsed.HTML = string(body)
		case strings.HasPrefix(mediaType, "text/plain") && parsed.Text == "":
			parsed.Text = string(body)
		}
	}
}

// decodeBody 按传输编码和字符集解码
func decodeBody(reader io.Reader, transferEncoding, charset string) ([]byte, error) {
	var decoded io.Reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return nil, err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}
	return body, nil
}

// charsetEncoding 常见东亚字符集
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc := charsetEncoding(strings.ToLower(charset))
		if enc == nil {
			return nil, fmt.Errorf("unhandled charset %q", charset)
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

var addressParser = &mail.AddressParser{WordDecoder: wordDecoder}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// addressList 解析地址头，只保留邮箱地址
func addressList(h mail.Header, key string) []string {
	if h.Get(key) == "" {
		return nil
	}
	addrs, err := addressParser.ParseList(h.Get(key))
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}
