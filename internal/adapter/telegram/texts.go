package telegram

const startText = `👋 Welcome to Ask Starknet Bot!

I'm here to answer your questions about what's happening in the Starknet ecosystem.

Just send me a message or mention me with your question, and I'll do my best to help!

Examples:
• What's happening on Twitter right now?
• Tell me about the latest Starknet updates
• What are people saying about Starknet?

Commands:
/start - Show this welcome message
/help - Get help
/status - Check bot status`

const helpText = `🤖 Ask Starknet Bot Help

Simply ask me any question about Starknet and I'll try to answer!

You can:
• Send me a direct message
• Mention me in a group chat (@%s)

Commands:
/start - Welcome message
/help - This help message
/status - Check if I'm working properly

Need more help? Contact the administrators.`

const statusText = `🟢 Bot Status: Online

Queue Metrics:
• Waiting: %d
• Active: %d
• Delayed: %d
• Completed: %d
• Failed: %d

Everything is working properly!`

const statusErrorText = "⚠️ Error checking status. Please try again later."
