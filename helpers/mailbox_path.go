package helpers

import (
	"path/filepath"
	"strings"

	"github.com/migadu/mailbot/consts"
)

// MaildirFolder maps a hierarchical mailbox name ("Lists/Go") to its
// Maildir++ directory under root (root/.Lists.Go). INBOX and the empty
// name map to root itself.
func MaildirFolder(root, mailbox string) string {
	mailbox = strings.Trim(mailbox, string(consts.MailboxDelimiter)+" ")
	if mailbox == "" || strings.EqualFold(mailbox, consts.DefaultArchiveMailbox) {
		return root
	}

	parts := strings.Split(mailbox, string(consts.MailboxDelimiter))
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		// Path traversal and Maildir++ separators are not allowed inside a segment.
		p = strings.NewReplacer(".", "_", "/", "_", "\\", "_").Replace(p)
		if p == "" {
			continue
		}
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		return root
	}
	return filepath.Join(root, "."+strings.Join(clean, "."))
}
