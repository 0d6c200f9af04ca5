package email

// Config holds delivery transport configuration. The Postmark tokens are
// optional so development environments can run on the dev sender instead.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"no-reply@fanvote.app"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@fanvote.app"`
	DevOutputDir         string `env:"EMAIL_DEV_OUTPUT_DIR" envDefault:"./tmp/emails"`
}
