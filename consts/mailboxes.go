package consts

const MailboxDelimiter = '/'

// DefaultArchiveMailbox receives messages that no sieve fileinto targeted.
const DefaultArchiveMailbox = "INBOX"
