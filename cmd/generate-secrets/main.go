package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/internal/utils"
	"github.com/the-social-house/tsh-booking-sub000/pkg/jwt"
)

func main() {
	var devUser, devRole, issuer string
	var expiry time.Duration
	flag.StringVar(&devUser, "dev-user", "", "also print an access token for this user ID (development only)")
	flag.StringVar(&devRole, "dev-role", models.RoleMember, "role claim for the development token")
	flag.StringVar(&issuer, "issuer", "tsh-booking", "issuer claim for the development token (JWT_ISSUER)")
	flag.DurationVar(&expiry, "dev-expiry", 24*time.Hour, "lifetime of the development token")
	flag.Parse()

	fmt.Println("===========================================")
	fmt.Println("Secret Generator for TSH Booking")
	fmt.Println("===========================================")
	fmt.Println()

	secrets, err := utils.GenerateServiceSecrets()
	if err != nil {
		log.Fatalf("Failed to generate secrets: %v", err)
	}

	fmt.Println("Add these to your .env file or deployment secrets:")
	fmt.Println()
	fmt.Printf("JWT_SECRET=%s\n", secrets.JWTSecret)
	fmt.Printf("PAYMENT_WEBHOOK_SECRET=%s\n", secrets.WebhookSecret)
	fmt.Println()

	if devUser != "" {
		userID, err := uuid.Parse(devUser)
		if err != nil {
			log.Fatalf("Invalid -dev-user: %v", err)
		}
		token, err := jwt.NewService(secrets.JWTSecret, issuer, expiry).
			GenerateAccessToken(userID, "dev@localhost", devRole)
		if err != nil {
			log.Fatalf("Failed to sign development token: %v", err)
		}
		fmt.Printf("Development token (%s, valid %s, signed with the JWT_SECRET above):\n", devRole, expiry)
		fmt.Printf("Authorization: Bearer %s\n", token)
		fmt.Println()
	}

	fmt.Println("IMPORTANT: Keep these secrets safe and never commit them to version control!")
	fmt.Println("===========================================")
}
