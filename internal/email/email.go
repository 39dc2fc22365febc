package email

import (
	"fmt"
	"net/smtp"
	"os"

	"fmu-gateway.ai/cloud/internal/logger"
)

const licenseKeySubject = "Your FMU license key"

// SendLicenseKey delivers a freshly issued license key to the buyer.
// The raw key exists only in this message; after delivery the holder
// can rotate it but never re-read it.
func SendLicenseKey(to, product, rawKey string) error {
	return Send(to, licenseKeySubject, licenseKeyBody(product, rawKey))
}

func licenseKeyBody(product, rawKey string) string {
	return fmt.Sprintf(`Hello,

Thank you for your purchase. Your license is ready.

LICENSE DETAILS
License Key: %s
Product: %s

Keep this key safe. It is shown only once; if you lose it you can
rotate it from your account with the old key.
`, rawKey, product)
}

// Send delivers a plain-text email over SMTP. Delivery is best-effort;
// callers treat failures as non-fatal because the purchase itself has
// already completed.
func Send(to, subject, body string) error {
	smtpHost := os.Getenv("SMTP_HOST")
	smtpPort := os.Getenv("SMTP_PORT")
	smtpUser := os.Getenv("SMTP_USER")
	smtpPass := os.Getenv("SMTP_PASS")

	if smtpHost == "" || smtpPort == "" || smtpUser == "" || smtpPass == "" {
		logger.Error("SMTP configuration missing")
		return fmt.Errorf("SMTP configuration missing")
	}

	auth := smtp.PlainAuth("", smtpUser, smtpPass, smtpHost)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", smtpUser, to, subject, body))

	addr := fmt.Sprintf("%s:%s", smtpHost, smtpPort)
	return smtp.SendMail(addr, auth, smtpUser, []string{to}, msg)
}
